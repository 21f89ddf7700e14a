package dwarf

import (
	"fmt"
	"time"

	"dwarfbridge/pkg/dwarfproto"
)

const (
	// At most this many steps are driven one by one; longer moves use
	// the continuous sweep.
	focuserSingleStepLimit = 10

	focusCommandTimeout = 5 * time.Second
	focusNotifyWait     = 800 * time.Millisecond

	focusDirectionOut uint32 = 1
	focusDirectionIn  uint32 = 0
)

// FocuserPosition returns the last known motor position.
func (s *Session) FocuserPosition() int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.focusPosition
}

// FocuserIsMoving reports whether a move is in progress.
func (s *Session) FocuserIsMoving() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.focuserMoving
}

func clampFocusPosition(position int) int {
	if position < 0 {
		return 0
	}
	if position > focusPositionMax {
		return focusPositionMax
	}
	return position
}

// drainFocusSignal clears a stale position event before a new wait.
func (s *Session) drainFocusSignal() {
	select {
	case <-s.focusSignal:
	default:
	}
}

func (s *Session) waitFocusSignal(timeout time.Duration) bool {
	if s.waitFocus != nil {
		return s.waitFocus(timeout)
	}
	select {
	case <-s.focusSignal:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *Session) focusCrossed(target int, direction uint32) bool {
	position := s.FocuserPosition()
	if direction == focusDirectionOut {
		return position >= target
	}
	return position <= target
}

// FocuserMoveTo drives the focus motor to an absolute position. Short
// distances go step by step, waiting for the position notification
// after each step; long ones use a continuous sweep bounded by a
// distance-scaled deadline. When the device sends no position updates
// at all the position falls back to the commanded target.
func (s *Session) FocuserMoveTo(target int) error {
	if err := s.ensureWS(); err != nil {
		return err
	}
	target = clampFocusPosition(target)

	s.stateMu.Lock()
	delta := target - s.focusPosition
	if delta == 0 {
		s.stateMu.Unlock()
		return nil
	}
	s.focuserMoving = true
	s.stateMu.Unlock()
	defer func() {
		s.stateMu.Lock()
		s.focuserMoving = false
		s.stateMu.Unlock()
	}()

	steps := delta
	direction := focusDirectionOut
	if steps < 0 {
		steps = -steps
		direction = focusDirectionIn
	}

	var moveErr error
	receivedUpdate := false
	if steps <= focuserSingleStepLimit {
		receivedUpdate, moveErr = s.focusSingleSteps(steps, target, direction)
	} else {
		receivedUpdate, moveErr = s.focusContinuous(steps, target, direction)
		if moveErr == nil && receivedUpdate {
			moveErr = s.focusTrimToTarget(target)
		}
	}

	s.stateMu.Lock()
	if !receivedUpdate {
		s.focusPosition = target
	}
	s.focusPosition = clampFocusPosition(s.focusPosition)
	s.stateMu.Unlock()
	return moveErr
}

// FocuserMoveBy drives the focus motor by a relative step count.
func (s *Session) FocuserMoveBy(delta int) error {
	return s.FocuserMoveTo(s.FocuserPosition() + delta)
}

func (s *Session) focusSingleSteps(steps, target int, direction uint32) (bool, error) {
	receivedUpdate := false
	for i := 0; i < steps; i++ {
		s.drainFocusSignal()
		_, err := s.sendChecked(uint32(dwarfproto.ModuleFocus), dwarfproto.CmdFocusManualSingleStepFocus,
			&dwarfproto.ReqManualSingleStepFocus{Direction: direction}, focusCommandTimeout, nil)
		if err != nil {
			return receivedUpdate, fmt.Errorf("single step focus: %w", err)
		}
		if s.waitFocusSignal(focusNotifyWait) {
			receivedUpdate = true
		} else {
			// No notification: assume the step landed.
			s.stateMu.Lock()
			if direction == focusDirectionOut {
				s.focusPosition = clampFocusPosition(s.focusPosition + 1)
			} else {
				s.focusPosition = clampFocusPosition(s.focusPosition - 1)
			}
			s.stateMu.Unlock()
			receivedUpdate = true
		}
		if s.focusCrossed(target, direction) {
			break
		}
		s.sleep(20 * time.Millisecond)
	}
	return receivedUpdate, nil
}

func (s *Session) focusContinuous(steps, target int, direction uint32) (bool, error) {
	receivedUpdate := false
	s.drainFocusSignal()
	_, err := s.sendChecked(uint32(dwarfproto.ModuleFocus), dwarfproto.CmdFocusStartManualContinuFocus,
		&dwarfproto.ReqManualContinuFocus{Direction: direction}, focusCommandTimeout, nil)
	if err != nil {
		return false, fmt.Errorf("start continuous focus: %w", err)
	}

	budget := time.Duration(steps) * 15 * time.Millisecond
	if budget < 1500*time.Millisecond {
		budget = 1500 * time.Millisecond
	}
	if budget > 15*time.Second {
		budget = 15 * time.Second
	}
	deadline := s.now().Add(budget)

	for {
		remaining := deadline.Sub(s.now())
		if remaining <= 0 {
			break
		}
		wait := remaining
		if wait > focusNotifyWait {
			wait = focusNotifyWait
		}
		if wait < 50*time.Millisecond {
			wait = 50 * time.Millisecond
		}
		if s.waitFocusSignal(wait) {
			receivedUpdate = true
		}
		if s.focusCrossed(target, direction) {
			break
		}
	}

	_, err = s.sendChecked(uint32(dwarfproto.ModuleFocus), dwarfproto.CmdFocusStopManualContinuFocus,
		dwarfproto.Empty{}, focusCommandTimeout, nil)
	if err != nil {
		return receivedUpdate, fmt.Errorf("stop continuous focus: %w", err)
	}
	if s.waitFocusSignal(focusNotifyWait) {
		receivedUpdate = true
	}
	return receivedUpdate, nil
}

// focusTrimToTarget closes the residual gap a continuous sweep leaves
// with single steps, stopping once the position is within the
// configured tolerance of the target.
func (s *Session) focusTrimToTarget(target int) error {
	tolerance := s.cfg.FocuserTargetTolerance
	if tolerance < 0 {
		tolerance = 0
	}
	for i := 0; i < focuserSingleStepLimit; i++ {
		delta := target - s.FocuserPosition()
		if delta >= -tolerance && delta <= tolerance {
			return nil
		}
		direction := focusDirectionOut
		if delta < 0 {
			direction = focusDirectionIn
		}
		s.drainFocusSignal()
		_, err := s.sendChecked(uint32(dwarfproto.ModuleFocus), dwarfproto.CmdFocusManualSingleStepFocus,
			&dwarfproto.ReqManualSingleStepFocus{Direction: direction}, focusCommandTimeout, nil)
		if err != nil {
			return fmt.Errorf("trim focus: %w", err)
		}
		if !s.waitFocusSignal(focusNotifyWait) {
			s.stateMu.Lock()
			if direction == focusDirectionOut {
				s.focusPosition = clampFocusPosition(s.focusPosition + 1)
			} else {
				s.focusPosition = clampFocusPosition(s.focusPosition - 1)
			}
			s.stateMu.Unlock()
		}
		s.sleep(20 * time.Millisecond)
	}
	return nil
}

// FocuserHalt stops any focus motion immediately.
func (s *Session) FocuserHalt() error {
	defer func() {
		s.stateMu.Lock()
		s.focuserMoving = false
		s.stateMu.Unlock()
	}()
	_, err := s.sendChecked(uint32(dwarfproto.ModuleFocus), dwarfproto.CmdFocusStopManualContinuFocus,
		dwarfproto.Empty{}, focusCommandTimeout, nil)
	return err
}
