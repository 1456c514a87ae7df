package runner

import "github.com/kalambet/agentq/internal/engine"

// ModelPolicy decides which model actually serves a job.
type ModelPolicy struct {
	// LocalDefault serves jobs without a model and jobs whose paid model
	// is not allowed.
	LocalDefault string
	AllowPaid    bool
}

// Paid reports whether model is served by a paid backend. It agrees with
// the routing in engine.Router.
func (p ModelPolicy) Paid(model string) bool {
	_, paid := engine.PaidModel(model)
	return paid
}
// Resolve returns the model to invoke for requested and whether it was
// substituted.
func (p ModelPolicy) Resolve(requested string) (string, bool) {
	if requested == "" {
		return p.LocalDefault, false
	}
	if !p.AllowPaid && p.Paid(requested) && p.LocalDefault != "" {
		return p.LocalDefault, true
	}
	return requested, false
}
