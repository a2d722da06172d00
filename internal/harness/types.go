package harness

// Trace event kinds.
const (
	EventEnqueue      = "enqueue"
	EventSessionStart = "session_start"
	EventFetch        = "fetch"
	EventPush         = "push"
	EventSessionClose = "session_complete"
	EventCycle        = "cycle"
	EventAdvance      = "advance"
	EventResetStuck   = "reset_stuck"
	EventRestore      = "restore"
)

// TraceEvent is one observable step of a scenario: a harness action or a
// call the engine made to the remote.
type TraceEvent struct {
	Seq    int64          `json:"seq"`
	Kind   string         `json:"kind"`
	Detail map[string]any `json:"detail,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall success: every cycle expectation and
	// assertion held.
	Pass bool `json:"pass"`

	// Trace contains all events in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Events returns the trace events of one kind.
func (r *Result) Events(kind string) []TraceEvent {
	var out []TraceEvent
	for _, e := range r.Trace {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
