package session

import "fmt"

// BreakpointAction is the kind of continuation decision sent to a waiting
// debuggee.
type BreakpointAction string

const (
	ActionSkip      BreakpointAction = "skip"
	ActionSkipAll   BreakpointAction = "skipAll"
	ActionTerminate BreakpointAction = "terminate"
)

// BreakpointCode is a client decision. Skips is meaningful only for
// ActionSkip.
type BreakpointCode struct {
	Action BreakpointAction
	Skips  int32
}

func Skip(n int32) BreakpointCode {
	return BreakpointCode{Action: ActionSkip, Skips: n}
}

func SkipAll() BreakpointCode {
	return BreakpointCode{Action: ActionSkipAll}
}

func Terminate() BreakpointCode {
	return BreakpointCode{Action: ActionTerminate}
}

// SkipCount returns the number of breakpoints to skip when the decision is
// a Skip.
func (c BreakpointCode) SkipCount() (int32, bool) {
	if c.Action != ActionSkip {
		return 0, false
	}
	return c.Skips, true
}

func (c BreakpointCode) String() string {
	if c.Action == ActionSkip {
		return fmt.Sprintf("skip(%d)", c.Skips)
	}
	return string(c.Action)
}

// ParseBreakpointAction validates an action name received over the wire.
func ParseBreakpointAction(raw string) (BreakpointAction, error) {
	switch a := BreakpointAction(raw); a {
	case ActionSkip, ActionSkipAll, ActionTerminate:
		return a, nil
	default:
		return "", fmt.Errorf("unknown breakpoint action %q", raw)
	}
}
