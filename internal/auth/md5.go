package auth

import (
	"crypto/md5" //nolint:gosec // PostgreSQL's md5 auth method is MD5 by specification
	"crypto/subtle"
	"encoding/hex"
)

// ComputeMD5Password computes the PostgreSQL MD5 password hash:
// "md5" + md5(md5(password+user) + salt), per spec.md §4.2 "MD5 details".
func ComputeMD5Password(user, password string, salt []byte) string {
	h1 := md5.Sum([]byte(password + user)) //nolint:gosec
	hex1 := hex.EncodeToString(h1[:])
	h2 := md5.Sum(append([]byte(hex1), salt...)) //nolint:gosec
	return "md5" + hex.EncodeToString(h2[:])
}

// ConstantTimeEqual compares two byte slices without leaking timing
// information, used for MD5 and SCRAM proof/signature verification
// (spec.md §4.2 "Constant-time equality for proofs and signatures").
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
