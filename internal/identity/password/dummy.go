package password

import (
	"crypto/rand"
	"encoding/base64"
)

// dummyHash is computed once at process start from a random password that is
// immediately discarded. Login attempts against unknown emails verify the
// candidate password against this hash so the response time matches a real
// verification and account enumeration through timing stays infeasible.
var dummyHash = mustDummyHash()

func mustDummyHash() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		// Without entropy the process cannot do anything credential-related.
		panic("password: no entropy for dummy hash: " + err.Error())
	}
	h, err := Hash(base64.RawStdEncoding.EncodeToString(buf))
	if err != nil {
		panic("password: dummy hash: " + err.Error())
	}
	return h
}

// VerifyDummy burns the same argon2id work as a real verification and
// always reports a mismatch.
func VerifyDummy(password string) {
	_, _ = Verify(password, dummyHash)
}
