package sequence

import (
	"fmt"
	"math"

	"github.com/nasa-jpl/capseq/camera"
	"github.com/nasa-jpl/capseq/temperature"
)

// Stage is the preparation stage of a job, reported for display and used to
// pick the capture state while waiting
type Stage int

const (
	// StageNone means no preparation has started
	StageNone Stage = iota

	// StageFilterChange waits for the filter wheel
	StageFilterChange

	// StageTemperatureSetting waits for the cooler
	StageTemperatureSetting

	// StageRotatorSetting waits for the rotator
	StageRotatorSetting

	// StageCalibrationSetup waits for wall, park, cover or light box actions
	StageCalibrationSetup

	// StagePrepareComplete means every action is satisfied
	StagePrepareComplete

	// StageCapturing means the exposure was started
	StageCapturing
)

func (s Stage) String() string {
	switch s {
	case StageNone:
		return "NONE"
	case StageFilterChange:
		return "FILTER_CHANGE"
	case StageTemperatureSetting:
		return "TEMPERATURE_SETTING"
	case StageRotatorSetting:
		return "ROTATOR_SETTING"
	case StageCalibrationSetup:
		return "CALIBRATION_SETUP"
	case StagePrepareComplete:
		return "PREPARE_COMPLETE"
	case StageCapturing:
		return "CAPTURING"
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// Action is one hardware condition a job waits for before exposing
type Action int

const (
	ActionFilter Action = iota
	ActionTemperature
	ActionRotator
	ActionWall
	ActionParkMount
	ActionParkDome
	ActionCapPark
	ActionCapUnpark
	ActionLightOn
	ActionLightOff
	numActions
)

func (a Action) String() string {
	switch a {
	case ActionFilter:
		return "filter"
	case ActionTemperature:
		return "temperature"
	case ActionRotator:
		return "rotator"
	case ActionWall:
		return "wall"
	case ActionParkMount:
		return "park mount"
	case ActionParkDome:
		return "park dome"
	case ActionCapPark:
		return "park cap"
	case ActionCapUnpark:
		return "unpark cap"
	case ActionLightOn:
		return "light on"
	case ActionLightOff:
		return "light off"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// Devices is the hardware a job prepares.  Readings return ok or present
// false when the role has no device, which makes the matching action not
// applicable.  Commands start a motion and return; completion is reported
// through the job's Update methods.
type Devices interface {
	FilterPosition() (pos int, ok bool)
	SetFilter(pos int) error
	Temperature() (celsius float64, ok bool)
	SetTemperature(celsius float64) error
	RotatorAngle() (deg float64, ok bool)
	SetRotatorAngle(deg float64) error
	MountParked() (parked, present bool)
	ParkMount() error
	SlewToWall(az, alt float64) error
	DomeParked() (parked, present bool)
	ParkDome() error
	CapParked() (parked, present bool)
	ParkCap() error
	UnparkCap() error
	LightOn() (on, present bool)
	SetLight(on bool) error
}

// PrepareOptions are the tolerances used to decide an action is satisfied
type PrepareOptions struct {
	// TemperatureTolerance in Celsius
	TemperatureTolerance float64 `yaml:"temperatureTolerance" koanf:"temperatureTolerance"`

	// RotatorTolerance in degrees
	RotatorTolerance float64 `yaml:"rotatorTolerance" koanf:"rotatorTolerance"`
}

// DefaultPrepareOptions returns the default tolerances
func DefaultPrepareOptions() PrepareOptions {
	return PrepareOptions{TemperatureTolerance: 0.1, RotatorTolerance: 0.1}
}

type actionState int

const (
	notApplicable actionState = iota
	pending
	inFlight
	satisfied
)

type preparation struct {
	active    bool
	fired     bool
	actions   [numActions]actionState
	commanded [numActions]bool
	opts      PrepareOptions
	devs      Devices
	done      func()

	// wallReached persists across frames of one calibration so the
	// mount is not sent to the wall again for every flat
	wallReached bool
	litByUs     bool
}

// PrepareCapture gets the hardware ready for the next frame of the job and
// calls done once everything is in place, possibly before returning.
//
// Calling it again while a preparation is under way only re-checks readings;
// no action is commanded twice.
func (j *Job) PrepareCapture(devs Devices, opts PrepareOptions, done func()) error {
	p := &j.prep
	if p.active {
		p.devs = devs
		p.opts = opts
		p.done = done
		j.refresh()
		return j.evaluate()
	}
	wall := p.wallReached
	lit := p.litByUs
	*p = preparation{active: true, devs: devs, opts: opts, done: done, wallReached: wall, litByUs: lit}
	j.plan()
	j.refresh()
	return j.evaluate()
}

// plan decides which actions apply to this job on the current hardware
func (j *Job) plan() {
	p := &j.prep
	d := p.devs
	if _, ok := d.FilterPosition(); ok && j.Filter.Position > 0 {
		p.actions[ActionFilter] = pending
	}
	if _, ok := d.Temperature(); ok && j.EnforceTemperature {
		p.actions[ActionTemperature] = pending
	}
	if _, ok := d.RotatorAngle(); ok && j.EnforceRotation {
		p.actions[ActionRotator] = pending
	}
	if j.IsPreview() {
		return
	}
	_, mount := d.MountParked()
	_, dome := d.DomeParked()
	_, hasCap := d.CapParked()
	_, light := d.LightOn()
	switch j.FrameType {
	case camera.FrameFlat:
		if j.PreActions.Has(PreActionWall) && mount && !p.wallReached {
			p.actions[ActionWall] = pending
		}
		if j.PreActions.Has(PreActionParkMount) && mount {
			p.actions[ActionParkMount] = pending
		}
		if j.PreActions.Has(PreActionParkDome) && dome {
			p.actions[ActionParkDome] = pending
		}
		if j.UseLightBox {
			if hasCap {
				p.actions[ActionCapPark] = pending
			}
			if light {
				p.actions[ActionLightOn] = pending
			}
		} else if hasCap {
			p.actions[ActionCapUnpark] = pending
		}
	case camera.FrameDark, camera.FrameBias:
		if hasCap {
			p.actions[ActionCapPark] = pending
		}
		if light {
			p.actions[ActionLightOff] = pending
		}
	case camera.FrameLight:
		if hasCap {
			p.actions[ActionCapUnpark] = pending
		}
		if light {
			p.actions[ActionLightOff] = pending
		}
	}
}

// refresh marks actions satisfied from the current readings
func (j *Job) refresh() {
	p := &j.prep
	d := p.devs
	for a := Action(0); a < numActions; a++ {
		st := p.actions[a]
		if st != pending && st != inFlight {
			continue
		}
		var ok bool
		switch a {
		case ActionFilter:
			pos, _ := d.FilterPosition()
			ok = pos == j.Filter.Position
		case ActionTemperature:
			t, _ := d.Temperature()
			ok = temperature.Settled(temperature.Celsius(t), temperature.Celsius(j.Temperature), temperature.Celsius(p.opts.TemperatureTolerance))
		case ActionRotator:
			ang, _ := d.RotatorAngle()
			ok = angleDiff(ang, j.Rotation) <= p.opts.RotatorTolerance
		case ActionWall:
			ok = p.wallReached
		case ActionParkMount:
			ok, _ = d.MountParked()
		case ActionParkDome:
			ok, _ = d.DomeParked()
		case ActionCapPark:
			ok, _ = d.CapParked()
		case ActionCapUnpark:
			parked, _ := d.CapParked()
			ok = !parked
		case ActionLightOn:
			ok, _ = d.LightOn()
		case ActionLightOff:
			on, _ := d.LightOn()
			ok = !on
		}
		if ok {
			p.actions[a] = satisfied
		}
	}
}

// evaluate commands pending actions and fires done once all are satisfied
func (j *Job) evaluate() error {
	p := &j.prep
	if !p.active {
		return nil
	}
	for a := Action(0); a < numActions; a++ {
		if p.actions[a] != pending {
			continue
		}
		// the light goes on only behind a closed cover
		if a == ActionLightOn && p.actions[ActionCapPark] != notApplicable && p.actions[ActionCapPark] != satisfied {
			continue
		}
		if err := j.command(a); err != nil {
			return fmt.Errorf("prepare %s: %w", a, err)
		}
		p.actions[a] = inFlight
		p.commanded[a] = true
	}
	for a := Action(0); a < numActions; a++ {
		if st := p.actions[a]; st == pending || st == inFlight {
			return nil
		}
	}
	if !p.fired {
		p.fired = true
		p.active = false
		if p.done != nil {
			p.done()
		}
	}
	return nil
}

func (j *Job) command(a Action) error {
	p := &j.prep
	d := p.devs
	switch a {
	case ActionFilter:
		return d.SetFilter(j.Filter.Position)
	case ActionTemperature:
		return d.SetTemperature(j.Temperature)
	case ActionRotator:
		return d.SetRotatorAngle(j.Rotation)
	case ActionWall:
		return d.SlewToWall(j.Wall.Az, j.Wall.Alt)
	case ActionParkMount:
		return d.ParkMount()
	case ActionParkDome:
		return d.ParkDome()
	case ActionCapPark:
		return d.ParkCap()
	case ActionCapUnpark:
		return d.UnparkCap()
	case ActionLightOn:
		p.litByUs = true
		return d.SetLight(true)
	case ActionLightOff:
		return d.SetLight(false)
	}
	return nil
}

// update re-evaluates after a hardware change
func (j *Job) update(a Action, ok bool) error {
	p := &j.prep
	if !p.active {
		return nil
	}
	st := p.actions[a]
	if st != pending && st != inFlight {
		return nil
	}
	if ok {
		p.actions[a] = satisfied
	}
	return j.evaluate()
}

// UpdateFilter reports the filter wheel position
func (j *Job) UpdateFilter(pos int) error {
	return j.update(ActionFilter, pos == j.Filter.Position)
}

// UpdateTemperature reports the sensor temperature
func (j *Job) UpdateTemperature(celsius float64) error {
	tol := temperature.Celsius(j.prep.opts.TemperatureTolerance)
	return j.update(ActionTemperature, temperature.Settled(temperature.Celsius(celsius), temperature.Celsius(j.Temperature), tol))
}

// UpdateRotator reports the rotator angle
func (j *Job) UpdateRotator(deg float64) error {
	return j.update(ActionRotator, angleDiff(deg, j.Rotation) <= j.prep.opts.RotatorTolerance)
}

// UpdateWallReached reports the mount arrived at the flat field wall
func (j *Job) UpdateWallReached() error {
	if j.prep.active && j.prep.actions[ActionWall] != notApplicable {
		j.prep.wallReached = true
	}
	return j.update(ActionWall, true)
}

// UpdateMountParked reports the mount park state
func (j *Job) UpdateMountParked(parked bool) error {
	return j.update(ActionParkMount, parked)
}

// UpdateDomeParked reports the dome park state
func (j *Job) UpdateDomeParked(parked bool) error {
	return j.update(ActionParkDome, parked)
}

// UpdateCapParked reports the dust cap state
func (j *Job) UpdateCapParked(parked bool) error {
	if err := j.update(ActionCapUnpark, !parked); err != nil {
		return err
	}
	return j.update(ActionCapPark, parked)
}

// UpdateLight reports the light box state
func (j *Job) UpdateLight(on bool) error {
	if err := j.update(ActionLightOff, !on); err != nil {
		return err
	}
	return j.update(ActionLightOn, on)
}

// Stage reports the first outstanding preparation step
func (j *Job) Stage() Stage {
	p := &j.prep
	if p.fired {
		if j.Status == StatusBusy && j.capturing {
			return StageCapturing
		}
		return StagePrepareComplete
	}
	if !p.active {
		return StageNone
	}
	waiting := func(a Action) bool {
		st := p.actions[a]
		return st == pending || st == inFlight
	}
	switch {
	case waiting(ActionFilter):
		return StageFilterChange
	case waiting(ActionTemperature):
		return StageTemperatureSetting
	case waiting(ActionRotator):
		return StageRotatorSetting
	}
	return StageCalibrationSetup
}

// Outstanding lists the actions still being waited for
func (j *Job) Outstanding() []Action {
	var out []Action
	for a := Action(0); a < numActions; a++ {
		if st := j.prep.actions[a]; j.prep.active && (st == pending || st == inFlight) {
			out = append(out, a)
		}
	}
	return out
}

// Commanded returns true if the action was sent to hardware in the current preparation
func (j *Job) Commanded(a Action) bool {
	st := j.prep.actions[a]
	return st == inFlight || (st == satisfied && j.prep.commanded[a])
}

// SetCapturing marks that the exposure of the prepared frame started
func (j *Job) SetCapturing(on bool) {
	j.capturing = on
}

// LightTurnedOn returns true if preparing this job switched the light box on
func (j *Job) LightTurnedOn() bool {
	return j.prep.litByUs
}

// AbortPreparation drops an unfinished preparation; done will not be called
func (j *Job) AbortPreparation() {
	lit := j.prep.litByUs
	wall := j.prep.wallReached
	j.prep = preparation{litByUs: lit, wallReached: wall}
}

func angleDiff(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}
