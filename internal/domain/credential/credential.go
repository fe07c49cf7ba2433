// Package credential implements the opaque bearer credential format.
//
// A bearer string is four dot-separated segments:
//
//	sk-proj.{project_id}.{key_id}.{secret}
//
// The package owns parsing, formatting, and generation of the random
// identifier and secret components. It never touches storage.
package credential

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

// Prefix is the fixed literal first segment of every bearer string.
const Prefix = "sk-proj"

// ErrMalformed is returned when a bearer string does not match the
// credential grammar. Callers must treat it identically to a failed
// secret check so malformed inputs are indistinguishable from denials.
var ErrMalformed = errors.New("malformed credential")

// Segment grammars. Each segment is matched in full; the dot separator
// can never appear inside a segment.
var (
	projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	keyIDPattern     = regexp.MustCompile(`^k_[A-Za-z0-9_-]{4,32}$`)
	secretPattern    = regexp.MustCompile(`^[A-Za-z0-9_-]{16,128}$`)
)

// Generation alphabets. Secrets use the full URL-safe set; key IDs use
// base62 only, matching the issued-key grammar.
const (
	base62Alphabet  = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	urlSafeAlphabet = base62Alphabet + "-_"

	keyIDRandomLen = 7
	secretLen      = 32
)

// Credential is the parsed form of a bearer string.
type Credential struct {
	ProjectID string
	KeyID     string
	Secret    string
}

// Parse splits and validates a bearer string.
// Returns ErrMalformed on any grammar violation.
func Parse(bearer string) (Credential, error) {
	parts := strings.SplitN(bearer, ".", 4)
	if len(parts) != 4 {
		return Credential{}, ErrMalformed
	}
	if parts[0] != Prefix {
		return Credential{}, ErrMalformed
	}
	if !projectIDPattern.MatchString(parts[1]) {
		return Credential{}, ErrMalformed
	}
	if !keyIDPattern.MatchString(parts[2]) {
		return Credential{}, ErrMalformed
	}
	if !secretPattern.MatchString(parts[3]) {
		return Credential{}, ErrMalformed
	}
	return Credential{
		ProjectID: parts[1],
		KeyID:     parts[2],
		Secret:    parts[3],
	}, nil
}

// ValidProjectID reports whether s can be embedded as the project
// segment of a bearer string.
func ValidProjectID(s string) bool {
	return projectIDPattern.MatchString(s)
}

// String formats the credential back into its bearer form.
// It is the exact inverse of Parse for any legal credential.
func (c Credential) String() string {
	return Prefix + "." + c.ProjectID + "." + c.KeyID + "." + c.Secret
}

// NewKeyID generates a fresh key identifier: "k_" followed by 7 base62
// characters from a cryptographically secure source.
func NewKeyID() (string, error) {
	random, err := randomString(base62Alphabet, keyIDRandomLen)
	if err != nil {
		return "", fmt.Errorf("generate key id: %w", err)
	}
	return "k_" + random, nil
}

// NewSecret generates a 32-character URL-safe secret from a
// cryptographically secure source.
func NewSecret() (string, error) {
	secret, err := randomString(urlSafeAlphabet, secretLen)
	if err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return secret, nil
}

// randomString draws length characters uniformly from alphabet using
// crypto/rand. The alphabets never include the "." separator.
func randomString(alphabet string, length int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(alphabet[n.Int64()])
	}
	return b.String(), nil
}
