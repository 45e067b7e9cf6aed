// Package errs collects the sentinel errors shared across components, in
// the same flat, un-hierarchical style the rest of the stack uses rather
// than a custom error-code taxonomy.
package errs

import "errors"

var (
	// ErrBudgetExhausted is returned by the router when no candidate model
	// fits within the hourly or per-call budget.
	ErrBudgetExhausted = errors.New("automaton: budget exhausted")

	// ErrNoEligibleModel is returned when every candidate for a (tier,
	// taskKind) pair is disabled or below its tier minimum.
	ErrNoEligibleModel = errors.New("automaton: no eligible model")

	// ErrProviderUnavailable is returned after retries are exhausted against
	// an inference provider and model fallback is disabled or exhausted.
	ErrProviderUnavailable = errors.New("automaton: provider unavailable")

	// ErrTimeout is returned when a provider call exceeds its per-task
	// deadline.
	ErrTimeout = errors.New("automaton: provider call timed out")

	// ErrToolUnknown is recorded on a tool call whose name does not match
	// any registered tool.
	ErrToolUnknown = errors.New("automaton: unknown tool")

	// ErrFatalTool marks a tool-call failure that must abort the remainder
	// of a turn (wallet-signer refusal, sandbox lost).
	ErrFatalTool = errors.New("automaton: fatal tool failure")
)
