package policy

import (
	"fmt"
	"strings"
)

// TerminalKind selects what happens when the final attempt fails.
type TerminalKind string

const (
	TerminalPropagate TerminalKind = "propagate"
	TerminalFallback  TerminalKind = "fallback"
)

// TerminalAction is applied to a failed terminal attempt: re-raise the last
// error, or return a client-supplied fallback value.
type TerminalAction struct {
	Kind     TerminalKind
	Fallback any
}

// Propagate returns the action that re-raises the last error.
func Propagate() TerminalAction { return TerminalAction{Kind: TerminalPropagate} }

// Fallback returns the action that substitutes v for the last error.
func Fallback(v any) TerminalAction { return TerminalAction{Kind: TerminalFallback, Fallback: v} }

// ParseTerminalAction parses "propagate" or "fallback:<value>". The fallback
// value is kept as a string.
func ParseTerminalAction(s string) (TerminalAction, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "" || strings.EqualFold(s, string(TerminalPropagate)):
		return Propagate(), nil
	case strings.EqualFold(s, string(TerminalFallback)):
		return Fallback(nil), nil
	case len(s) > len(TerminalFallback) && strings.EqualFold(s[:len(TerminalFallback)+1], string(TerminalFallback)+":"):
		return Fallback(s[len(TerminalFallback)+1:]), nil
	default:
		return TerminalAction{}, &NormalizeError{Field: "on_terminal_failure", Value: s}
	}
}

func (a TerminalAction) String() string {
	if a.Kind == TerminalFallback {
		if a.Fallback == nil {
			return string(TerminalFallback)
		}
		return fmt.Sprintf("%s:%v", TerminalFallback, a.Fallback)
	}
	return string(TerminalPropagate)
}
