package dwarf

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dwarfbridge/pkg/dwarfproto"
)

func lastJoystick(t *testing.T, ch *stubChannel) *dwarfproto.ReqMotorServiceJoystick {
	t.Helper()
	sent := ch.commandsFor(dwarfproto.CmdStepMotorServiceJoystick)
	require.NotEmpty(t, sent)
	req, ok := sent[len(sent)-1].req.(*dwarfproto.ReqMotorServiceJoystick)
	require.True(t, ok)
	return req
}

func TestJoystickVectorComposition(t *testing.T) {
	ss := newStubSession(t, DefaultConfig())

	require.NoError(t, ss.s.TelescopeMoveAxis(0, 5))
	require.NoError(t, ss.s.TelescopeMoveAxis(1, 5))

	req := lastJoystick(t, ss.ch)
	assert.InDelta(t, 45.0, req.VectorAngle, 1e-9)
	assert.InDelta(t, 1.0, req.VectorLength, 1e-9)
	assert.InDelta(t, 7.0710678, req.Speed, 1e-6)
}

func TestJoystickSingleAxis(t *testing.T) {
	ss := newStubSession(t, DefaultConfig())

	require.NoError(t, ss.s.TelescopeMoveAxis(0, 1.5))

	req := lastJoystick(t, ss.ch)
	assert.InDelta(t, 0.0, req.VectorAngle, 1e-9)
	assert.InDelta(t, 1.0, req.VectorLength, 1e-9)
	assert.InDelta(t, 1.5, req.Speed, 1e-9)
}

func TestJoystickNegativeAxisWrapsAngle(t *testing.T) {
	ss := newStubSession(t, DefaultConfig())

	require.NoError(t, ss.s.TelescopeMoveAxis(1, -2))

	req := lastJoystick(t, ss.ch)
	assert.InDelta(t, 270.0, req.VectorAngle, 1e-9)
	assert.InDelta(t, 2.0, req.Speed, 1e-9)
}

func TestMoveAxisClampsRate(t *testing.T) {
	ss := newStubSession(t, DefaultConfig())

	require.NoError(t, ss.s.TelescopeMoveAxis(0, 100))

	req := lastJoystick(t, ss.ch)
	assert.InDelta(t, maxAxisRate, req.Speed, 1e-9)
}

func TestZeroRateStopsJoystick(t *testing.T) {
	ss := newStubSession(t, DefaultConfig())

	require.NoError(t, ss.s.TelescopeMoveAxis(0, 5))
	require.NoError(t, ss.s.TelescopeMoveAxis(0, 0))

	stops := ss.ch.commandsFor(dwarfproto.CmdStepMotorServiceJoystickStop)
	assert.Len(t, stops, 1)
}

func TestStopAxisIdleIsNoop(t *testing.T) {
	ss := newStubSession(t, DefaultConfig())

	require.NoError(t, ss.s.TelescopeStopAxis(0))

	ss.ch.mu.Lock()
	defer ss.ch.mu.Unlock()
	assert.Empty(t, ss.ch.sent)
}

func TestMoveAxisRejectsBadAxis(t *testing.T) {
	ss := newStubSession(t, DefaultConfig())
	assert.Error(t, ss.s.TelescopeMoveAxis(2, 1))
	assert.Error(t, ss.s.TelescopeStopAxis(-1))
}

func TestSlewBusyAbortsAndRetriesOnce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoCalibrateOnSlew = true
	ss := newStubSession(t, cfg)

	var mu sync.Mutex
	gotoCalls := 0
	ss.ch.respond = func(moduleID, cmd uint32, req dwarfproto.Marshaler) (any, error) {
		if cmd != dwarfproto.CmdAstroStartGotoDSO {
			return nil, nil
		}
		mu.Lock()
		defer mu.Unlock()
		gotoCalls++
		if gotoCalls == 1 {
			return &dwarfproto.ComResponse{Code: dwarfproto.CodeAstroFunctionBusy}, nil
		}
		return &dwarfproto.ComResponse{}, nil
	}

	require.NoError(t, ss.s.TelescopeSlewToCoordinates(5.5883, -5.39, "M42"))

	gotos := ss.ch.commandsFor(dwarfproto.CmdAstroStartGotoDSO)
	require.Len(t, gotos, 2)
	req, ok := gotos[0].req.(*dwarfproto.ReqGotoDSO)
	require.True(t, ok)
	assert.InDelta(t, 5.5883*15, req.RA, 1e-9)
	assert.InDelta(t, -5.39, req.Dec, 1e-9)
	assert.Equal(t, "M42", req.TargetName)

	assert.Len(t, ss.ch.commandsFor(dwarfproto.CmdAstroStopGoto), 1)
	assert.Len(t, ss.ch.commandsFor(dwarfproto.CmdAstroStartCalibration), 1)
	assert.Equal(t, []time.Duration{200 * time.Millisecond}, *ss.sleeps)
	assert.True(t, ss.s.lastGotoRecent())
}

func TestSlewBusyTwicePropagates(t *testing.T) {
	ss := newStubSession(t, DefaultConfig())
	ss.ch.respond = func(moduleID, cmd uint32, req dwarfproto.Marshaler) (any, error) {
		if cmd == dwarfproto.CmdAstroStartGotoDSO {
			return &dwarfproto.ComResponse{Code: dwarfproto.CodeAstroFunctionBusy}, nil
		}
		return nil, nil
	}

	err := ss.s.TelescopeSlewToCoordinates(1, 2, "target")
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, dwarfproto.CodeAstroFunctionBusy, cmdErr.Code)
	assert.Len(t, ss.ch.commandsFor(dwarfproto.CmdAstroStartGotoDSO), 2)
	assert.False(t, ss.s.lastGotoRecent())
}

func TestCalibrationFreshness(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoCalibrateOnSlew = true
	cfg.CalibrationValidFor = time.Minute
	ss := newStubSession(t, cfg)

	var mu sync.Mutex
	current := time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC)
	ss.s.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(d)
	}

	require.NoError(t, ss.s.TelescopeSlewToCoordinates(1, 2, "a"))
	assert.Len(t, ss.ch.commandsFor(dwarfproto.CmdAstroStartCalibration), 1)

	// Within the validity window: calibration is reused.
	advance(30 * time.Second)
	require.NoError(t, ss.s.TelescopeSlewToCoordinates(3, 4, "b"))
	assert.Len(t, ss.ch.commandsFor(dwarfproto.CmdAstroStartCalibration), 1)

	// Expired: calibrate again.
	advance(2 * time.Minute)
	require.NoError(t, ss.s.TelescopeSlewToCoordinates(5, 6, "c"))
	assert.Len(t, ss.ch.commandsFor(dwarfproto.CmdAstroStartCalibration), 2)
}

func TestCalibrationRedoneAfterAddressChange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoCalibrateOnSlew = true
	ss := newStubSession(t, cfg)

	require.NoError(t, ss.s.TelescopeSlewToCoordinates(1, 2, "a"))
	assert.Len(t, ss.ch.commandsFor(dwarfproto.CmdAstroStartCalibration), 1)

	// The device moved to its station address since the last solve.
	ss.s.cfg.DeviceIP = "10.0.0.12"
	require.NoError(t, ss.s.TelescopeSlewToCoordinates(3, 4, "b"))
	assert.Len(t, ss.ch.commandsFor(dwarfproto.CmdAstroStartCalibration), 2)
}

func TestGotoUsesConfiguredTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoCalibrateOnSlew = false
	cfg.GotoCommandTimeout = 42 * time.Second
	ss := newStubSession(t, cfg)

	require.NoError(t, ss.s.TelescopeSlewToCoordinates(1, 2, "target"))

	gotos := ss.ch.commandsFor(dwarfproto.CmdAstroStartGotoDSO)
	require.Len(t, gotos, 1)
	assert.Equal(t, 42*time.Second, gotos[0].timeout)
	assert.Empty(t, ss.ch.commandsFor(dwarfproto.CmdAstroStartCalibration))
}

func TestAbortSlewClearsTarget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoCalibrateOnSlew = false
	ss := newStubSession(t, cfg)

	require.NoError(t, ss.s.TelescopeSlewToCoordinates(1, 2, "M31"))
	assert.Equal(t, "M31", ss.s.Snapshot().GotoTarget)

	require.NoError(t, ss.s.TelescopeAbortSlew())
	assert.Empty(t, ss.s.Snapshot().GotoTarget)
	assert.NotEmpty(t, ss.ch.commandsFor(dwarfproto.CmdAstroStopGoto))
}
