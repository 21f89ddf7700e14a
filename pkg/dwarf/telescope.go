package dwarf

import (
	"errors"
	"fmt"
	"math"
	"time"

	"dwarfbridge/pkg/dwarfproto"
)

const (
	maxAxisRate     = 30.0 // deg/s, device joystick ceiling
	minVectorSpeed  = 0.1
	axisRateEpsilon = 1e-6

	joystickTimeout  = 5 * time.Second
	abortSlewTimeout = 5 * time.Second
)

type telescopeState struct {
	axisRates      [2]float64
	axisPolarity   [2]float64
	joystickActive bool
	slewing        bool
	gotoTarget     string
	lastGotoAt     time.Time

	lastCalibrationAt time.Time
	lastCalibrationIP string
}

// TelescopeMoveAxis drives one axis at a constant rate in deg/s. Axis 0
// is azimuth/RA, axis 1 altitude/dec. A near-zero rate stops the axis.
func (s *Session) TelescopeMoveAxis(axis int, rate float64) error {
	if axis != 0 && axis != 1 {
		return fmt.Errorf("invalid axis %d", axis)
	}
	if rate > maxAxisRate {
		rate = maxAxisRate
	} else if rate < -maxAxisRate {
		rate = -maxAxisRate
	}
	if math.Abs(rate) < axisRateEpsilon {
		return s.TelescopeStopAxis(axis)
	}
	if err := s.ensureWS(); err != nil {
		return err
	}
	s.stateMu.Lock()
	s.telescope.axisRates[axis] = rate
	s.stateMu.Unlock()
	return s.sendManualVector()
}

// TelescopeStopAxis halts one axis. A no-op when the axis is already
// stopped and no joystick drive is active.
func (s *Session) TelescopeStopAxis(axis int) error {
	if axis != 0 && axis != 1 {
		return fmt.Errorf("invalid axis %d", axis)
	}
	s.stateMu.Lock()
	idle := math.Abs(s.telescope.axisRates[axis]) < axisRateEpsilon && !s.telescope.joystickActive
	s.telescope.axisRates[axis] = 0
	s.stateMu.Unlock()
	if idle {
		return nil
	}
	return s.sendManualVector()
}

// sendManualVector composes the two axis rates into the polar joystick
// vector the motor service expects.
func (s *Session) sendManualVector() error {
	s.stateMu.Lock()
	x := s.telescope.axisRates[0] * s.telescope.axisPolarity[0]
	y := s.telescope.axisRates[1] * s.telescope.axisPolarity[1]
	active := s.telescope.joystickActive
	s.stateMu.Unlock()

	magnitude := math.Hypot(x, y)
	if magnitude < axisRateEpsilon {
		if !active {
			return nil
		}
		_, err := s.sendChecked(uint32(dwarfproto.ModuleMotor), dwarfproto.CmdStepMotorServiceJoystickStop,
			dwarfproto.Empty{}, joystickTimeout, nil)
		if err != nil {
			return err
		}
		s.stateMu.Lock()
		s.telescope.joystickActive = false
		s.stateMu.Unlock()
		return nil
	}

	speed := magnitude
	if speed < minVectorSpeed {
		speed = minVectorSpeed
	} else if speed > maxAxisRate {
		speed = maxAxisRate
	}
	length := magnitude / speed
	if length > 1 {
		length = 1
	}
	angle := math.Atan2(y, x) * 180 / math.Pi
	if angle < 0 {
		angle += 360
	}

	_, err := s.sendChecked(uint32(dwarfproto.ModuleMotor), dwarfproto.CmdStepMotorServiceJoystick,
		&dwarfproto.ReqMotorServiceJoystick{VectorAngle: angle, VectorLength: length, Speed: speed},
		joystickTimeout, nil)
	if err != nil {
		return err
	}
	s.stateMu.Lock()
	s.telescope.joystickActive = true
	s.stateMu.Unlock()
	return nil
}

// haltManualMotion stops both axes, swallowing errors: it runs on paths
// where the goto matters more than a clean stop.
func (s *Session) haltManualMotion() {
	for axis := 0; axis <= 1; axis++ {
		if err := s.TelescopeStopAxis(axis); err != nil {
			s.logger.WithError(err).WithField("axis", axis).Debug("Stop axis failed")
		}
	}
}

// calibrationStale reports whether a fresh plate-solve calibration is
// needed: never calibrated, the window expired, or the device address
// changed since the last one.
func (s *Session) calibrationStale() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.telescope.lastCalibrationAt.IsZero() {
		return true
	}
	if s.telescope.lastCalibrationIP != s.cfg.DeviceIP {
		return true
	}
	return s.now().Sub(s.telescope.lastCalibrationAt) > s.cfg.CalibrationValidFor
}

func (s *Session) calibrateIfNeeded() {
	if !s.cfg.AutoCalibrateOnSlew || !s.calibrationStale() {
		return
	}
	s.logger.Info("Running calibration before goto")
	_, err := s.sendChecked(uint32(dwarfproto.ModuleAstro), dwarfproto.CmdAstroStartCalibration,
		dwarfproto.Empty{}, s.cfg.CalibrationTimeout, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Calibration failed, attempting goto anyway")
		return
	}
	s.stateMu.Lock()
	s.telescope.lastCalibrationAt = s.now()
	s.telescope.lastCalibrationIP = s.cfg.DeviceIP
	s.stateMu.Unlock()
}

func (s *Session) startGotoCommand(raHours, dec float64, targetName string) error {
	_, err := s.sendChecked(uint32(dwarfproto.ModuleAstro), dwarfproto.CmdAstroStartGotoDSO,
		&dwarfproto.ReqGotoDSO{RA: raHours * 15, Dec: dec, TargetName: targetName},
		s.cfg.GotoCommandTimeout, nil)
	return err
}

// TelescopeSlewToCoordinates points the mount at the given equatorial
// coordinates (RA in hours). A busy astro subsystem is aborted and the
// goto retried once.
func (s *Session) TelescopeSlewToCoordinates(raHours, dec float64, targetName string) error {
	if err := s.ensureWS(); err != nil {
		return err
	}
	s.haltManualMotion()
	s.calibrateIfNeeded()

	s.stateMu.Lock()
	s.telescope.slewing = true
	s.stateMu.Unlock()
	defer func() {
		s.stateMu.Lock()
		s.telescope.slewing = false
		s.stateMu.Unlock()
	}()

	err := s.startGotoCommand(raHours, dec, targetName)
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.Code == dwarfproto.CodeAstroFunctionBusy {
		s.logger.Warn("Astro subsystem busy, aborting current goto and retrying")
		if abortErr := s.TelescopeAbortSlew(); abortErr != nil {
			s.logger.WithError(abortErr).Debug("Abort before retry failed")
		}
		s.sleep(200 * time.Millisecond)
		s.haltManualMotion()
		err = s.startGotoCommand(raHours, dec, targetName)
	}
	if err != nil {
		return err
	}

	s.stateMu.Lock()
	s.telescope.lastGotoAt = s.now()
	s.telescope.gotoTarget = targetName
	s.stateMu.Unlock()
	return nil
}

// TelescopeAbortSlew cancels any goto in progress and stops manual
// motion.
func (s *Session) TelescopeAbortSlew() error {
	s.stateMu.Lock()
	s.telescope.gotoTarget = ""
	s.telescope.slewing = false
	s.stateMu.Unlock()

	_, err := s.sendChecked(uint32(dwarfproto.ModuleAstro), dwarfproto.CmdAstroStopGoto,
		dwarfproto.Empty{}, abortSlewTimeout, nil)
	s.haltManualMotion()
	return err
}

// TelescopeSlewing reports whether a goto command is in flight.
func (s *Session) TelescopeSlewing() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.telescope.slewing
}

// lastGotoRecent reports whether a goto completed within the pointing
// validity window.
func (s *Session) lastGotoRecent() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.telescope.lastGotoAt.IsZero() {
		return false
	}
	return s.now().Sub(s.telescope.lastGotoAt) <= s.cfg.GotoValidFor
}
