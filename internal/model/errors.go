package model

import "errors"

// Sentinel errors classify the failure kinds from spec's error-handling
// table so loops can route them without string matching.
var (
	// ErrNameCollision is returned when the cloud rejects a create/rename
	// because the name is already taken. The naming invariant means this
	// can only happen because another worker already created the same
	// server; callers must treat it as success.
	ErrNameCollision = errors.New("server name already exists")

	// ErrPrecondition covers unresolvable label specs: unknown image,
	// server type, or location, or a malformed label.
	ErrPrecondition = errors.New("runner spec precondition failed")

	// ErrBudgetExhausted covers cap-reached, no-recyclable-match, and
	// eviction-refused outcomes.
	ErrBudgetExhausted = errors.New("scaling budget exhausted")

	// ErrBootstrapFailed covers a non-zero exit from the setup or
	// startup script.
	ErrBootstrapFailed = errors.New("bootstrap script failed")

	// ErrTimeout covers exceeding max_server_ready_time or
	// max_runner_registration_time.
	ErrTimeout = errors.New("operation timed out")
)
