// Package verifier derives and checks memory-hard password verifiers
// over credential secrets using Argon2id.
//
// The encoded verifier is a self-describing PHC string carrying the
// algorithm tag, parameters, salt, and digest:
//
//	$argon2id$v=19$m=65536,t=3,p=1$<salt>$<digest>
//
// Old verifiers must remain checkable, so raising parameters only
// affects newly derived verifiers.
package verifier

import (
	"errors"
	"fmt"

	"github.com/alexedwards/argon2id"
)

// ErrMalformed is returned when a stored verifier string cannot be
// parsed. It signals corrupted stored data, not a failed check, and
// callers surface it as an internal error.
var ErrMalformed = errors.New("malformed verifier")

// Params are the Argon2id cost parameters for newly derived verifiers.
// Digest and salt lengths are fixed at 32 and 16 bytes.
type Params struct {
	// TimeCost is the number of iterations.
	TimeCost uint32
	// MemoryKiB is the memory cost in KiB.
	MemoryKiB uint32
	// Parallelism is the number of threads.
	Parallelism uint8
}

// DefaultParams returns the service defaults: time cost 3, memory
// cost 64 MiB, parallelism 1.
func DefaultParams() Params {
	return Params{
		TimeCost:    3,
		MemoryKiB:   64 * 1024,
		Parallelism: 1,
	}
}

const (
	hashLength = 32
	saltLength = 16
)

// Verifier derives encoded verifiers with fixed parameters.
// Checking is parameter-independent: the encoded form is self-describing.
type Verifier struct {
	params *argon2id.Params
}

// New creates a Verifier with the given cost parameters.
// Zero-valued fields fall back to the defaults.
func New(p Params) *Verifier {
	def := DefaultParams()
	if p.TimeCost == 0 {
		p.TimeCost = def.TimeCost
	}
	if p.MemoryKiB == 0 {
		p.MemoryKiB = def.MemoryKiB
	}
	if p.Parallelism == 0 {
		p.Parallelism = def.Parallelism
	}
	return &Verifier{
		params: &argon2id.Params{
			Memory:      p.MemoryKiB,
			Iterations:  p.TimeCost,
			Parallelism: p.Parallelism,
			SaltLength:  saltLength,
			KeyLength:   hashLength,
		},
	}
}

// Hash derives an encoded verifier for the secret with a per-secret
// random salt.
func (v *Verifier) Hash(secret string) (string, error) {
	encoded, err := argon2id.CreateHash(secret, v.params)
	if err != nil {
		return "", fmt.Errorf("derive verifier: %w", err)
	}
	return encoded, nil
}

// Check recomputes the digest for secret against the encoded verifier
// and compares in constant time. It returns (false, ErrMalformed) when
// the stored string does not parse; a plain false means a normal
// mismatch.
func Check(secret, encoded string) (bool, error) {
	match, err := safeCompare(secret, encoded)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return match, nil
}

// safeCompare wraps argon2id.ComparePasswordAndHash with panic recovery.
// The underlying argon2 library panics on hashes with out-of-range
// parameters (t=0, p=0), which a corrupted store could contain.
func safeCompare(secret, encoded string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(secret, encoded)
}
