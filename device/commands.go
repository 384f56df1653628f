package device

import (
	"fmt"

	"github.com/nasa-jpl/capseq/camera"
)

// camera passthrough

// StartExposure starts an exposure on the bound camera
func (a *Adaptor) StartExposure(e camera.Exposure) error {
	c := a.Camera()
	if c == nil {
		return ErrNoCamera
	}
	return c.StartExposure(e)
}

// AbortExposure aborts the exposure on the bound camera
func (a *Adaptor) AbortExposure() error {
	c := a.Camera()
	if c == nil {
		return ErrNoCamera
	}
	return c.AbortExposure()
}

// UploadMode returns the upload mode of the bound camera
func (a *Adaptor) UploadMode() (camera.UploadMode, error) {
	c := a.Camera()
	if c == nil {
		return "", ErrNoCamera
	}
	return c.UploadMode(), nil
}

// SetUploadMode sets the upload mode of the bound camera
func (a *Adaptor) SetUploadMode(m camera.UploadMode) error {
	c := a.Camera()
	if c == nil {
		return ErrNoCamera
	}
	return c.SetUploadMode(m)
}

// EncodingFormat returns the encoding format of the bound camera
func (a *Adaptor) EncodingFormat() (string, error) {
	c := a.Camera()
	if c == nil {
		return "", ErrNoCamera
	}
	return c.EncodingFormat(), nil
}

// SetEncodingFormat sets the encoding format of the bound camera
func (a *Adaptor) SetEncodingFormat(f string) error {
	c := a.Camera()
	if c == nil {
		return ErrNoCamera
	}
	return c.SetEncodingFormat(f)
}

// FastExposureSupported returns true if the bound camera can loop exposures
func (a *Adaptor) FastExposureSupported() bool {
	c := a.Camera()
	return c != nil && c.FastExposureSupported()
}

// FastExposureEnabled returns true if the bound camera is looping exposures
func (a *Adaptor) FastExposureEnabled() bool {
	c := a.Camera()
	return c != nil && c.FastExposureEnabled()
}

// SetFastExposure toggles looping on the bound camera
func (a *Adaptor) SetFastExposure(enabled bool, count int) error {
	c := a.Camera()
	if c == nil {
		return ErrNoCamera
	}
	return c.SetFastExposure(enabled, count)
}

// preparation commands and readings, consumed by sequence jobs

// FilterPosition returns the current filter position, ok is false without a filter wheel
func (a *Adaptor) FilterPosition() (pos int, ok bool) {
	a.mu.Lock()
	fw := a.fw
	a.mu.Unlock()
	if fw == nil {
		return 0, false
	}
	pos, err := fw.Position()
	if err != nil {
		a.log.Warn("filter wheel position unavailable", "err", err)
		return 0, false
	}
	return pos, true
}

// FilterNames returns the names of the filters in the bound wheel
func (a *Adaptor) FilterNames() []string {
	a.mu.Lock()
	fw := a.fw
	a.mu.Unlock()
	if fw == nil {
		return nil
	}
	return fw.Names()
}

// SetFilter moves the filter wheel
func (a *Adaptor) SetFilter(pos int) error {
	a.mu.Lock()
	fw := a.fw
	a.mu.Unlock()
	if fw == nil {
		return fmt.Errorf("%w: %s", ErrNoDevice, RoleFilterWheel)
	}
	return fw.SetPosition(pos)
}

// Temperature returns the camera sensor temperature, ok is false if the camera cannot be cooled
func (a *Adaptor) Temperature() (celsius float64, ok bool) {
	c := a.Camera()
	if c == nil || !c.HasCooler() {
		return 0, false
	}
	t, err := c.Temperature()
	if err != nil {
		a.log.Warn("camera temperature unavailable", "err", err)
		return 0, false
	}
	return t, true
}

// SetTemperature sets the camera cooler setpoint
func (a *Adaptor) SetTemperature(celsius float64) error {
	c := a.Camera()
	if c == nil {
		return ErrNoCamera
	}
	return c.SetTemperature(celsius)
}

// RotatorAngle returns the rotator angle, ok is false without a rotator
func (a *Adaptor) RotatorAngle() (deg float64, ok bool) {
	a.mu.Lock()
	rot := a.rot
	a.mu.Unlock()
	if rot == nil {
		return 0, false
	}
	ang, err := rot.Angle()
	if err != nil {
		a.log.Warn("rotator angle unavailable", "err", err)
		return 0, false
	}
	return ang, true
}

// SetRotatorAngle moves the rotator
func (a *Adaptor) SetRotatorAngle(deg float64) error {
	a.mu.Lock()
	rot := a.rot
	a.mu.Unlock()
	if rot == nil {
		return fmt.Errorf("%w: %s", ErrNoDevice, RoleRotator)
	}
	return rot.SetAngle(deg)
}

// MountParked returns the park state of the mount, present is false without a mount
func (a *Adaptor) MountParked() (parked, present bool) {
	a.mu.Lock()
	m := a.mnt
	a.mu.Unlock()
	if m == nil {
		return false, false
	}
	return m.Parked(), true
}

// ParkMount parks the mount
func (a *Adaptor) ParkMount() error {
	a.mu.Lock()
	m := a.mnt
	a.mu.Unlock()
	if m == nil {
		return fmt.Errorf("%w: %s", ErrNoDevice, RoleMount)
	}
	return m.Park()
}

// SlewToWall points the mount at a flat field wall
func (a *Adaptor) SlewToWall(az, alt float64) error {
	a.mu.Lock()
	m := a.mnt
	a.mu.Unlock()
	if m == nil {
		return fmt.Errorf("%w: %s", ErrNoDevice, RoleMount)
	}
	return m.SlewAltAz(az, alt)
}

// DomeParked returns the park state of the dome, present is false without a dome
func (a *Adaptor) DomeParked() (parked, present bool) {
	a.mu.Lock()
	d := a.dome
	a.mu.Unlock()
	if d == nil {
		return false, false
	}
	return d.Parked(), true
}

// ParkDome parks the dome
func (a *Adaptor) ParkDome() error {
	a.mu.Lock()
	d := a.dome
	a.mu.Unlock()
	if d == nil {
		return fmt.Errorf("%w: %s", ErrNoDevice, RoleDome)
	}
	return d.Park()
}

// CapParked returns the park state of the dust cap, present is false without one
func (a *Adaptor) CapParked() (parked, present bool) {
	a.mu.Lock()
	d := a.dcap
	a.mu.Unlock()
	if d == nil {
		return false, false
	}
	return d.Parked(), true
}

// ParkCap closes the dust cap
func (a *Adaptor) ParkCap() error {
	a.mu.Lock()
	d := a.dcap
	a.mu.Unlock()
	if d == nil {
		return fmt.Errorf("%w: %s", ErrNoDevice, RoleDustCap)
	}
	return d.Park()
}

// UnparkCap opens the dust cap
func (a *Adaptor) UnparkCap() error {
	a.mu.Lock()
	d := a.dcap
	a.mu.Unlock()
	if d == nil {
		return fmt.Errorf("%w: %s", ErrNoDevice, RoleDustCap)
	}
	return d.Unpark()
}

// LightOn returns the state of the light box, present is false without one
func (a *Adaptor) LightOn() (on, present bool) {
	a.mu.Lock()
	lb := a.lb
	a.mu.Unlock()
	if lb == nil {
		return false, false
	}
	return lb.LightOn(), true
}

// SetLight switches the light box
func (a *Adaptor) SetLight(on bool) error {
	a.mu.Lock()
	lb := a.lb
	a.mu.Unlock()
	if lb == nil {
		return fmt.Errorf("%w: %s", ErrNoDevice, RoleLightBox)
	}
	return lb.SetLight(on)
}
