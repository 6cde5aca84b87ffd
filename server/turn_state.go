package server

import (
	"errors"
	"time"

	"voicegate/core"
	"voicegate/metrics"
)

// State is a step in the life of one orchestrated request.
type State int

const (
	StateReceived State = iota
	StateValidated
	StateTranscribing
	StateHistoryUpdated
	StateInferring
	StateResponseRecorded
	StateSynthesizing
	StateCompleted
	StateErrored
)

var stateNames = [...]string{
	StateReceived:         "received",
	StateValidated:        "validated",
	StateTranscribing:     "transcribing",
	StateHistoryUpdated:   "history_updated",
	StateInferring:        "inferring",
	StateResponseRecorded: "response_recorded",
	StateSynthesizing:     "synthesizing",
	StateCompleted:        "completed",
	StateErrored:          "errored",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateErrored
}

// transitions lists the forward edges. Errored is reachable from every
// non-terminal state and is not listed.
var transitions = map[State][]State{
	StateReceived:         {StateValidated},
	StateValidated:        {StateTranscribing, StateHistoryUpdated, StateSynthesizing},
	StateTranscribing:     {StateHistoryUpdated},
	StateHistoryUpdated:   {StateInferring},
	StateInferring:        {StateResponseRecorded},
	StateResponseRecorded: {StateSynthesizing},
	StateSynthesizing:     {StateCompleted},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateErrored {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// errIllegalTransition marks a programming error in a handler.
var errIllegalTransition = errors.New("illegal request state transition")

// turnRun tracks one request through the state machine and reports its
// outcome once.
type turnRun struct {
	route      string
	state      State
	failedFrom State
	err        error
	start      time.Time
	finished   bool

	logger  *core.Logger
	metrics *metrics.Metrics
}

func newTurnRun(route string, logger *core.Logger, m *metrics.Metrics) *turnRun {
	return &turnRun{
		route:      route,
		state:      StateReceived,
		failedFrom: -1,
		start:      time.Now(),
		logger:     logger,
		metrics:    m,
	}
}

// advance moves to next. An illegal edge is logged and the run is marked
// Errored rather than silently continuing.
func (r *turnRun) advance(next State) error {
	if !CanTransition(r.state, next) {
		r.logger.With(map[string]interface{}{
			"from": r.state.String(),
			"to":   next.String(),
		}).Error("illegal request state transition")
		r.fail(errIllegalTransition)
		return errIllegalTransition
	}
	r.state = next
	return nil
}

// fail moves to Errored and remembers where the failure happened.
func (r *turnRun) fail(err error) {
	if r.state.Terminal() {
		return
	}
	r.failedFrom = r.state
	r.state = StateErrored
	r.err = err
}

// finish logs the final state and duration once. A run that never reached
// a terminal state is reported as Errored.
func (r *turnRun) finish() {
	if r.finished {
		return
	}
	r.finished = true
	if !r.state.Terminal() {
		r.fail(errors.New("handler returned before a terminal state"))
	}
	failedFrom := ""
	if r.state == StateErrored {
		failedFrom = r.failedFrom.String()
	}
	r.metrics.ObserveTurnRequest(r.state.String(), failedFrom)

	fields := map[string]interface{}{
		"turn":        r.route,
		"final_state": r.state.String(),
		"duration_ms": time.Since(r.start).Milliseconds(),
	}
	if r.state == StateCompleted {
		r.logger.With(fields).Info("request completed")
		return
	}
	fields["failed_from"] = failedFrom
	fields["error"] = r.err
	if core.IsValidation(r.err) {
		r.logger.With(fields).Info("request rejected")
		return
	}
	r.logger.With(fields).Warn("request failed")
}
