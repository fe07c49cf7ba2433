// Package keys contains the domain types for issued API keys and
// projects, the error taxonomy, and the store ports every adapter
// implements.
package keys

// KeyDoc is the persisted record for one issued credential. Its JSON
// shape is a stable contract; unknown fields are rejected on decode.
//
// SecretHash is the encoded Argon2id verifier and is never returned by
// any read path exposed to clients.
type KeyDoc struct {
	KeyID      string   `json:"key_id"`
	ProjectID  string   `json:"project_id"`
	Owner      string   `json:"owner"`
	Metadata   string   `json:"metadata"`
	SecretHash string   `json:"secret_hash"`
	Disabled   bool     `json:"disabled"`
	CreatedAt  float64  `json:"created_at"`
	ExpiresAt  *float64 `json:"expires_at"`
}

// IsExpired reports whether the key has expired at now (seconds since
// epoch). A key expiring exactly at now is expired. Keys without an
// expiry never expire.
func (d *KeyDoc) IsExpired(now float64) bool {
	if d.ExpiresAt == nil {
		return false
	}
	return *d.ExpiresAt <= now
}

// ProjectDoc is the persisted record for a project. Projects carry
// descriptive metadata only; their existence is not a precondition for
// minting keys under the project id.
type ProjectDoc struct {
	ProjectID string  `json:"project_id"`
	Label     string  `json:"label"`
	Owner     string  `json:"owner"`
	CreatedAt float64 `json:"created_at"`
}

// Usage hash field names. The counters are monotonic and mutated only
// by the validator on terminal outcomes.
const (
	UsageValidationsOK     = "validations_ok"
	UsageValidationsDenied = "validations_denied"
	UsageLastSeenTS        = "last_seen_ts"
)
