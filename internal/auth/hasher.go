// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/oops"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// Algorithm tags a credential hash format.
type Algorithm string

// Supported hash algorithms.
const (
	AlgorithmArgon2id Algorithm = "argon2id"
	AlgorithmBcrypt   Algorithm = "bcrypt"
	// AlgorithmSHA256 is the legacy salted SHA-256 format. Verify only.
	AlgorithmSHA256  Algorithm = "sha256"
	AlgorithmUnknown Algorithm = "unknown"
)

// ParseAlgorithm parses a configured algorithm name. Only algorithms that
// can produce new hashes are accepted.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(s)) {
	case AlgorithmArgon2id:
		return AlgorithmArgon2id, nil
	case AlgorithmBcrypt:
		return AlgorithmBcrypt, nil
	}
	return "", oops.Code("AUTH_INVALID_ALGORITHM").
		With("algorithm", s).
		Errorf("unsupported hash algorithm %q", s)
}

// AlgorithmOf reads the algorithm tag of an encoded hash.
func AlgorithmOf(hash string) Algorithm {
	switch {
	case strings.HasPrefix(hash, "$argon2id$"):
		return AlgorithmArgon2id
	case strings.HasPrefix(hash, "$2a$"), strings.HasPrefix(hash, "$2b$"), strings.HasPrefix(hash, "$2y$"):
		return AlgorithmBcrypt
	case strings.HasPrefix(hash, "$SHA$"):
		return AlgorithmSHA256
	}
	return AlgorithmUnknown
}

// Argon2Params are the argon2id cost parameters.
type Argon2Params struct {
	Time    uint32
	Memory  uint32
	Threads uint8
	SaltLen uint32
	KeyLen  uint32
}

// DefaultArgon2Params returns the OWASP-recommended argon2id parameters.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Time:    1,
		Memory:  64 * 1024,
		Threads: 4,
		SaltLen: 16,
		KeyLen:  32,
	}
}

// ErrEmptyPassword is returned when attempting to hash an empty password.
var ErrEmptyPassword = oops.Code("AUTH_EMPTY_PASSWORD").Errorf("password cannot be empty")

// PasswordHasher provides password hashing and verification.
type PasswordHasher interface {
	// Hash produces an encoded, salted hash of the password.
	Hash(password string) (string, error)

	// Verify checks if the password matches the hash.
	// Returns (true, nil) on match, (false, nil) on mismatch, or error on invalid hash.
	Verify(password, hash string) (bool, error)

	// NeedsUpgrade returns true if the hash should be re-hashed with the
	// current algorithm after the next successful verification.
	NeedsUpgrade(hash string) bool
}

// Argon2idHasher implements PasswordHasher using argon2id.
type Argon2idHasher struct {
	params Argon2Params
}

// NewArgon2idHasher creates a new Argon2idHasher with default parameters.
func NewArgon2idHasher() *Argon2idHasher {
	return &Argon2idHasher{params: DefaultArgon2Params()}
}

// NewArgon2idHasherWithParams creates an Argon2idHasher with explicit costs.
func NewArgon2idHasherWithParams(p Argon2Params) *Argon2idHasher {
	return &Argon2idHasher{params: p}
}

// Hash produces an argon2id hash of the password.
func (h *Argon2idHasher) Hash(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}

	salt := make([]byte, h.params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", oops.Code("AUTH_SALT_FAILED").Wrap(err)
	}

	key := argon2.IDKey([]byte(password), salt, h.params.Time, h.params.Memory, h.params.Threads, h.params.KeyLen)

	// $argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.Memory,
		h.params.Time,
		h.params.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify checks if the password matches the hash.
func (h *Argon2idHasher) Verify(password, encodedHash string) (bool, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 {
		return false, oops.Code("AUTH_INVALID_HASH").Errorf("invalid hash format")
	}
	if parts[1] != "argon2id" {
		return false, oops.Code("AUTH_INVALID_HASH").Errorf("unsupported hash algorithm: %s", parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, oops.Code("AUTH_INVALID_HASH").Wrap(err)
	}

	var memory, time, threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return false, oops.Code("AUTH_INVALID_HASH").Wrap(err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, oops.Code("AUTH_INVALID_HASH").Wrap(err)
	}

	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, oops.Code("AUTH_INVALID_HASH").Wrap(err)
	}

	if threads == 0 || threads > 255 {
		return false, oops.Code("AUTH_INVALID_HASH").Errorf("threads value %d out of range", threads)
	}

	keyLen := len(expected)
	if keyLen <= 0 || keyLen > 1<<30 {
		return false, oops.Code("AUTH_INVALID_HASH").Errorf("invalid hash key length: %d", keyLen)
	}

	computed := argon2.IDKey([]byte(password), salt, time, memory, uint8(threads), uint32(keyLen))
	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

// NeedsUpgrade returns true if the hash is not argon2id or uses weaker
// parameters than the hasher's current ones.
func (h *Argon2idHasher) NeedsUpgrade(hash string) bool {
	if AlgorithmOf(hash) != AlgorithmArgon2id {
		return true
	}
	parts := strings.Split(hash, "$")
	if len(parts) != 6 {
		return true
	}
	var memory, time, threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return true
	}
	return memory < h.params.Memory || time < h.params.Time
}

// BcryptHasher implements PasswordHasher using bcrypt.
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher creates a BcryptHasher. A cost outside bcrypt's range
// falls back to bcrypt.DefaultCost.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{cost: cost}
}

// Hash produces a bcrypt hash of the password.
func (h *BcryptHasher) Hash(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	out, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", oops.Code("AUTH_HASH_FAILED").Wrap(err)
	}
	return string(out), nil
}

// Verify checks if the password matches the bcrypt hash.
func (h *BcryptHasher) Verify(password, hash string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, oops.Code("AUTH_INVALID_HASH").Wrap(err)
	}
}

// NeedsUpgrade returns true if the hash is not bcrypt or has a lower cost.
func (h *BcryptHasher) NeedsUpgrade(hash string) bool {
	if AlgorithmOf(hash) != AlgorithmBcrypt {
		return true
	}
	cost, err := bcrypt.Cost([]byte(hash))
	return err != nil || cost < h.cost
}

// verifySHA256 checks the legacy "$SHA$<salt>$<hex>" format where
// hex = sha256(hex(sha256(password)) + salt).
func verifySHA256(password, hash string) (bool, error) {
	parts := strings.Split(hash, "$")
	if len(parts) != 4 || parts[1] != "SHA" || parts[2] == "" {
		return false, oops.Code("AUTH_INVALID_HASH").Errorf("invalid legacy hash format")
	}
	expected, err := hex.DecodeString(parts[3])
	if err != nil || len(expected) != sha256.Size {
		return false, oops.Code("AUTH_INVALID_HASH").Errorf("invalid legacy hash digest")
	}
	computed := legacySHA256(password, parts[2])
	return subtle.ConstantTimeCompare(computed[:], expected) == 1, nil
}

func legacySHA256(password, salt string) [sha256.Size]byte {
	inner := sha256.Sum256([]byte(password))
	return sha256.Sum256([]byte(hex.EncodeToString(inner[:]) + salt))
}

// Hasher is the PasswordVerifier: it hashes with the configured algorithm
// and verifies any supported format by dispatching on the algorithm tag.
type Hasher struct {
	current Algorithm
	argon2  *Argon2idHasher
	bcrypt  *BcryptHasher
}

// NewHasher creates a Hasher producing hashes with the given algorithm.
func NewHasher(current Algorithm) (*Hasher, error) {
	return NewHasherWith(current, NewArgon2idHasher(), NewBcryptHasher(bcrypt.DefaultCost))
}

// NewHasherWith creates a Hasher with explicit per-algorithm implementations.
func NewHasherWith(current Algorithm, a *Argon2idHasher, b *BcryptHasher) (*Hasher, error) {
	if current != AlgorithmArgon2id && current != AlgorithmBcrypt {
		return nil, oops.Code("AUTH_INVALID_ALGORITHM").
			With("algorithm", string(current)).
			Errorf("cannot hash with algorithm %q", current)
	}
	if a == nil || b == nil {
		return nil, oops.Errorf("argon2id and bcrypt hashers are required")
	}
	return &Hasher{current: current, argon2: a, bcrypt: b}, nil
}

// Algorithm returns the algorithm used for new hashes.
func (h *Hasher) Algorithm() Algorithm {
	return h.current
}

// Hash produces a fresh salted hash with the current algorithm.
func (h *Hasher) Hash(password string) (string, error) {
	if h.current == AlgorithmBcrypt {
		return h.bcrypt.Hash(password)
	}
	return h.argon2.Hash(password)
}

// Verify checks a password against a hash of any supported format.
func (h *Hasher) Verify(password, hash string) (bool, error) {
	switch AlgorithmOf(hash) {
	case AlgorithmArgon2id:
		return h.argon2.Verify(password, hash)
	case AlgorithmBcrypt:
		return h.bcrypt.Verify(password, hash)
	case AlgorithmSHA256:
		return verifySHA256(password, hash)
	}
	return false, oops.Code("AUTH_INVALID_HASH").Errorf("unrecognized hash format")
}

// NeedsUpgrade reports whether the hash should be replaced by a hash in the
// current algorithm.
func (h *Hasher) NeedsUpgrade(hash string) bool {
	if h.current == AlgorithmBcrypt {
		return h.bcrypt.NeedsUpgrade(hash)
	}
	return h.argon2.NeedsUpgrade(hash)
}
