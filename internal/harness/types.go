package harness

// Trace outcomes besides the syncerr codes.
const (
	OutcomeOK      = "ok"
	OutcomePending = "pending"
	OutcomeDropped = "dropped"
)

// TraceEvent is one observed step result.
//
// A held step produces two entries: "pending" when its request reaches the
// server and the final outcome when the matching release completes it.
type TraceEvent struct {
	Seq     int64  `json:"seq"`
	Step    string `json:"step"`
	ID      string `json:"id,omitempty"`
	Outcome string `json:"outcome"`
	Message string `json:"message,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if all expect clauses and assertions match.
	Pass bool `json:"pass"`

	// Trace holds the step outcomes in the order they were observed.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State is the final snapshot store as decoded canonical JSON:
	// {"collections": {...}, "counters": {...}}.
	State map[string]any `json:"state,omitempty"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]any),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a trace entry.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
