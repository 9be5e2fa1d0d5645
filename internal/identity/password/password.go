// Package password owns credential hashing and verification. New hashes are
// always argon2id; verification additionally accepts the bcrypt and
// pbkdf2-sha256 families inherited from earlier deployments, and reports
// when a stored hash should be transparently upgraded on the next
// successful login.
package password

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"

	dErrors "authd/pkg/domain-errors"
)

// argon2id parameters for newly written hashes.
const (
	argonSaltLen    = 16
	argonKeyLen     = 32
	argonThreads    = 1
	argonMemoryKiB  = 64 * 1024
	argonIterations = 10
)

// pbkdf2KeyLen is the derived-key length of legacy pbkdf2-sha256 hashes.
const pbkdf2KeyLen = 32

// Family identifies the hash algorithm of a stored credential.
type Family string

const (
	FamilyArgon2id Family = "argon2id"
	FamilyBcrypt   Family = "bcrypt"
	FamilyPBKDF2   Family = "pbkdf2-sha256"
	FamilyUnknown  Family = "unknown"
)

// FamilyOf inspects the hash string's identifier prefix.
func FamilyOf(hash string) Family {
	switch {
	case strings.HasPrefix(hash, "$argon2id$"):
		return FamilyArgon2id
	case strings.HasPrefix(hash, "$2a$"), strings.HasPrefix(hash, "$2b$"), strings.HasPrefix(hash, "$2y$"):
		return FamilyBcrypt
	case strings.HasPrefix(hash, "$pbkdf2-sha256$"):
		return FamilyPBKDF2
	default:
		return FamilyUnknown
	}
}

// NeedsRehash reports whether a verified hash should be upgraded to the
// current argon2id parameters.
func NeedsRehash(hash string) bool {
	return FamilyOf(hash) != FamilyArgon2id
}

// Hash derives an argon2id hash in PHC string format.
func Hash(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "generate password salt")
	}

	key := argon2.IDKey([]byte(password), salt, argonIterations, argonMemoryKiB, argonThreads, argonKeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		argonMemoryKiB, argonIterations, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify checks a candidate password against a stored hash of any accepted
// family. Comparison is constant time within a family; the work factor
// itself dominates the timing profile.
func Verify(password, hash string) (bool, error) {
	switch FamilyOf(hash) {
	case FamilyArgon2id:
		return verifyArgon2id(password, hash)
	case FamilyBcrypt:
		err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
		if err == bcrypt.ErrMismatchedHashAndPassword {
			return false, nil
		}
		if err != nil {
			return false, dErrors.Wrap(err, dErrors.CodeInternal, "bcrypt verification failed")
		}
		return true, nil
	case FamilyPBKDF2:
		return verifyPBKDF2(password, hash)
	default:
		return false, dErrors.New(dErrors.CodeInternal, "unrecognised password hash family")
	}
}

func verifyArgon2id(password, hash string) (bool, error) {
	// $argon2id$v=19$m=65536,t=10,p=1$<salt>$<key>
	parts := strings.Split(hash, "$")
	if len(parts) != 6 {
		return false, dErrors.New(dErrors.CodeInternal, "malformed argon2id hash")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "malformed argon2id version")
	}

	var memory, iterations uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "malformed argon2id parameters")
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "malformed argon2id salt")
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "malformed argon2id digest")
	}

	got := argon2.IDKey([]byte(password), salt, iterations, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func verifyPBKDF2(password, hash string) (bool, error) {
	// $pbkdf2-sha256$i=<iterations>$<salt>$<key>
	parts := strings.Split(hash, "$")
	if len(parts) != 5 {
		return false, dErrors.New(dErrors.CodeInternal, "malformed pbkdf2 hash")
	}

	iterations, err := strconv.Atoi(strings.TrimPrefix(parts[2], "i="))
	if err != nil || iterations <= 0 {
		return false, dErrors.New(dErrors.CodeInternal, "malformed pbkdf2 iterations")
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "malformed pbkdf2 salt")
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "malformed pbkdf2 digest")
	}

	got := pbkdf2.Key([]byte(password), salt, iterations, len(want), sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// EncodePBKDF2 writes a legacy-format pbkdf2-sha256 hash. Only tests and
// migration tooling create these; the server never stores new ones.
func EncodePBKDF2(password string, salt []byte, iterations int) string {
	key := pbkdf2.Key([]byte(password), salt, iterations, pbkdf2KeyLen, sha256.New)
	return fmt.Sprintf("$pbkdf2-sha256$i=%d$%s$%s",
		iterations,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	)
}
