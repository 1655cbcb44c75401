package entity

import "encoding/json"

// State is the closed set of session states. Transitions happen only along
// the declared edge set; nothing is skipped.
type State string

const (
	StateIdle            State = "idle"
	StateSelectingTime   State = "selecting_time"
	StateSelectingGender State = "selecting_gender"
	StateExecuting       State = "executing"
	StateCompleted       State = "completed"
	StateError           State = "error"
)

// transitions is the declared edge set (from -> allowed targets).
var transitions = map[State][]State{
	StateIdle:            {StateSelectingTime, StateSelectingGender, StateExecuting},
	StateSelectingTime:   {StateSelectingGender, StateError, StateIdle},
	StateSelectingGender: {StateExecuting, StateError, StateIdle},
	StateExecuting:       {StateCompleted, StateError},
	StateCompleted:       {StateIdle},
	StateError:           {StateIdle},
}

func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether target is reachable from s in one step.
func (s State) CanTransition(target State) bool {
	for _, t := range transitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// ParseState maps a wire string to a State.
func ParseState(s string) (State, bool) {
	st := State(s)
	return st, st.Valid()
}

// Session is one row of the sessions table: the per-identity flow state,
// shared across service instances through the store.
type Session struct {
	Identity     string `db:"identity" json:"identity"`
	CurrentState State  `db:"current_state" json:"current_state"`
	FlowType     string `db:"flow_type" json:"flow_type,omitempty"`
	Context      string `db:"context" json:"-"`
	UpdatedAt    string `db:"updated_at" json:"updated_at"`
}

// ContextMap decodes the stored key/value context.
func (s *Session) ContextMap() map[string]string {
	m := map[string]string{}
	if s.Context != "" {
		_ = json.Unmarshal([]byte(s.Context), &m)
	}
	return m
}
