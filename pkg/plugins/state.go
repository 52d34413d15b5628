package plugins

import (
	"fmt"
	"strings"
)

// State is a stage of the plugin lifecycle.
type State int

const (
	StateDiscovered State = iota
	StateValidated
	StateInstalled
	StateRegistered
	StateLoaded
	StateInitialized
	StateActive
	StateInactive
	StateCleanedUp
	StateUnloaded
	StateFailed
)

var stateNames = [...]string{
	StateDiscovered:  "discovered",
	StateValidated:   "validated",
	StateInstalled:   "installed",
	StateRegistered:  "registered",
	StateLoaded:      "loaded",
	StateInitialized: "initialized",
	StateActive:      "active",
	StateInactive:    "inactive",
	StateCleanedUp:   "cleaned_up",
	StateUnloaded:    "unloaded",
	StateFailed:      "failed",
}

// String returns the string representation of the state.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ParseState parses a state name.
func ParseState(s string) (State, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range stateNames {
		if name == s {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown plugin state %q", s)
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// IsLoaded reports whether the plugin has a live sandbox in this state.
func (s State) IsLoaded() bool {
	switch s {
	case StateLoaded, StateInitialized, StateActive, StateInactive, StateCleanedUp:
		return true
	default:
		return false
	}
}

// transitions lists the permitted edges. Failed is reachable from everywhere
// and is handled separately.
var transitions = map[State][]State{
	StateDiscovered:  {StateValidated},
	StateValidated:   {StateInstalled},
	StateInstalled:   {StateRegistered},
	StateRegistered:  {StateLoaded},
	StateLoaded:      {StateInitialized, StateCleanedUp},
	StateInitialized: {StateActive, StateCleanedUp},
	StateActive:      {StateInactive},
	StateInactive:    {StateActive, StateCleanedUp},
	StateCleanedUp:   {StateUnloaded},
	StateUnloaded:    {StateLoaded},
	StateFailed:      {StateLoaded},
}

// CanTransition reports whether moving from s to target is permitted. Requesting
// the current state again is an idempotent no-op and therefore allowed.
func (s State) CanTransition(target State) bool {
	if s == target || target == StateFailed {
		return true
	}
	for _, next := range transitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// CheckTransition returns an *InvalidTransitionError when from -> to is not permitted.
func CheckTransition(plugin string, from, to State) error {
	if from.CanTransition(to) {
		return nil
	}
	return &InvalidTransitionError{Plugin: plugin, From: from, To: to}
}

// Path returns the sequence of states leading from s to target along the normal
// progression, excluding s itself. It returns nil when target is not reachable.
func (s State) Path(target State) []State {
	if s == target {
		return nil
	}
	type step struct {
		state State
		path  []State
	}
	seen := map[State]bool{s: true}
	queue := []step{{state: s}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range transitions[cur.state] {
			if seen[next] {
				continue
			}
			path := append(append([]State(nil), cur.path...), next)
			if next == target {
				return path
			}
			seen[next] = true
			queue = append(queue, step{state: next, path: path})
		}
	}
	return nil
}
