// Package audit contains the domain types for the validation audit trail.
package audit

import "strconv"

// StreamName is the single append-only stream all validation outcomes
// are written to.
const StreamName = "audit:keylookup"

// Client is the constant tag identifying this service in audit records.
const Client = "keymanager"

// Result is the terminal outcome of a validation.
type Result string

const (
	// ResultOK records an admitted validation.
	ResultOK Result = "ok"
	// ResultDenied records any denial: malformed input, missing key,
	// disabled, expired, or wrong secret.
	ResultDenied Result = "denied"
	// ResultRateLimited records a denial by the per-key rate limit.
	ResultRateLimited Result = "rate_limited"
)

// Event is one audit stream entry. ProjectID and KeyID may be empty
// when the presented bearer did not parse.
type Event struct {
	TS        float64
	ProjectID string
	KeyID     string
	Result    Result
}

// StreamFields returns the name→value record appended to the stream.
func (e Event) StreamFields() map[string]interface{} {
	return map[string]interface{}{
		"ts":         strconv.FormatFloat(e.TS, 'f', -1, 64),
		"project_id": e.ProjectID,
		"key_id":     e.KeyID,
		"result":     string(e.Result),
		"client":     Client,
	}
}
