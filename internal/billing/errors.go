package billing

import "errors"

var (
	// ErrInvalidPlan means the requested plan id is not in the catalog
	ErrInvalidPlan = errors.New("billing: unknown plan")
	// ErrInvalidInput covers malformed or nonsensical requests, e.g.
	// changing to the plan already held.
	ErrInvalidInput = errors.New("billing: invalid input")
	// ErrUpstreamUnavailable wraps payment gateway failures
	ErrUpstreamUnavailable = errors.New("billing: payment gateway unavailable")
)
