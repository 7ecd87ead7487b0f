package harness

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Replies holds the session reply for each step, in step order:
	// "< ID n" or "< REJECTED <reason>".
	Replies []string `json:"replies"`

	// Lines holds the outcome lines in the order they were written.
	Lines []string `json:"lines"`

	// Balances is the final ledger.
	Balances []int64 `json:"balances"`

	// LastCompleted is the final completion gate position.
	LastCompleted int64 `json:"last_completed"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Replies: []string{},
		Lines:   []string{},
		Errors:  []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
