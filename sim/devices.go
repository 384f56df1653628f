package sim

import (
	"fmt"
	"math"
	"sync"

	"github.com/nasa-jpl/capseq/device"
)

// FilterWheel is a simulated filter wheel with 1-based positions
type FilterWheel struct {
	connection
	notifier

	clk      clock
	moveTime float64

	mu    sync.Mutex
	names []string
	pos   int
}

// Position returns the current filter position
func (f *FilterWheel) Position() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos, nil
}

// SetPosition moves to a filter and reports KindFilterChanged on arrival
func (f *FilterWheel) SetPosition(pos int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pos < 1 || pos > len(f.names) {
		return fmt.Errorf("filter position %d out of range [1,%d]", pos, len(f.names))
	}
	name := f.names[pos-1]
	f.clk.after(f.moveTime, func() {
		f.mu.Lock()
		f.pos = pos
		f.mu.Unlock()
		f.notify(device.Event{Kind: device.KindFilterChanged, Position: pos, Name: name})
	})
	return nil
}

// Names returns the filter names
func (f *FilterWheel) Names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.names...)
}

// Rotator is a simulated field rotator
type Rotator struct {
	connection
	notifier

	clk   clock
	speed float64

	mu    sync.Mutex
	angle float64
}

// Angle returns the position angle in degrees
func (r *Rotator) Angle() (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.angle, nil
}

// SetAngle turns to deg at the rotator speed and reports the final angle
func (r *Rotator) SetAngle(deg float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	secs := 0.
	if r.speed > 0 {
		secs = math.Abs(deg-r.angle) / r.speed
	}
	r.clk.after(secs, func() {
		r.mu.Lock()
		r.angle = deg
		r.mu.Unlock()
		r.notify(device.Event{Kind: device.KindRotatorAngle, Value: deg})
	})
	return nil
}

// parker is the park state shared by the mount, dome and dust cap
type parker struct {
	mu     sync.Mutex
	parked bool
}

// Parked returns true if parked
func (p *parker) Parked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.parked
}

func (p *parker) set(parked bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.parked = parked
}

// Mount is a simulated telescope mount
type Mount struct {
	connection
	notifier
	parker

	clk                clock
	slewTime, parkTime float64
}

// Park parks the mount and reports KindMountParked
func (m *Mount) Park() error {
	m.clk.after(m.parkTime, func() {
		m.set(true)
		m.notify(device.Event{Kind: device.KindMountParked, On: true})
	})
	return nil
}

// SlewAltAz unparks and slews, reporting KindMountSlewDone
func (m *Mount) SlewAltAz(az, alt float64) error {
	if alt < 0 || alt > 90 {
		return fmt.Errorf("altitude %g is below the horizon or past the zenith", alt)
	}
	m.set(false)
	m.clk.after(m.slewTime, func() {
		m.notify(device.Event{Kind: device.KindMountSlewDone})
	})
	return nil
}

// Dome is a simulated enclosure
type Dome struct {
	connection
	notifier
	parker

	clk      clock
	parkTime float64
}

// Park closes the dome and reports KindDomeParked
func (d *Dome) Park() error {
	d.clk.after(d.parkTime, func() {
		d.set(true)
		d.notify(device.Event{Kind: device.KindDomeParked, On: true})
	})
	return nil
}

// DustCap is a simulated motorized cover
type DustCap struct {
	connection
	notifier
	parker

	clk      clock
	moveTime float64
}

// Park closes the cap and reports KindCapParked
func (c *DustCap) Park() error {
	c.move(true)
	return nil
}

// Unpark opens the cap and reports KindCapParked
func (c *DustCap) Unpark() error {
	c.move(false)
	return nil
}

func (c *DustCap) move(parked bool) {
	c.clk.after(c.moveTime, func() {
		c.set(parked)
		c.notify(device.Event{Kind: device.KindCapParked, On: parked})
	})
}

// LightBox is a simulated flat panel
type LightBox struct {
	connection
	notifier

	clk clock

	mu sync.Mutex
	on bool
}

// LightOn returns true if the panel is lit
func (l *LightBox) LightOn() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.on
}

// SetLight switches the panel and reports KindLightChanged
func (l *LightBox) SetLight(on bool) error {
	l.clk.after(0, func() {
		l.mu.Lock()
		l.on = on
		l.mu.Unlock()
		l.notify(device.Event{Kind: device.KindLightChanged, On: on})
	})
	return nil
}
