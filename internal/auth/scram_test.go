package auth

import "testing"

func TestServerVerifyClientProofRejectsUndersizedProof(t *testing.T) {
	storedKey := sha256Sum([]byte("stored-key"))
	authMessage := []byte("n=user,r=nonce")
	// Oversized and undersized proofs must be rejected without a panic
	// rather than indexed against the fixed-length HMAC signature.
	for _, n := range []int{0, 1, 16, 31, 33, 64} {
		proof := make([]byte, n)
		if ServerVerifyClientProof(storedKey, authMessage, proof) {
			t.Fatalf("expected mismatched-length proof of %d bytes to be rejected", n)
		}
	}
}

func TestServerVerifyClientProofRoundTrip(t *testing.T) {
	_, storedKey, _ := DeriveKeys("s3cret", []byte("somesalt12345678"), 4096)
	clientKey, _, _ := DeriveKeys("s3cret", []byte("somesalt12345678"), 4096)
	authMessage := []byte("n=user,r=nonce,s=salt,i=4096,c=biws,r=nonce")

	clientSignature := hmacSHA256(storedKey, authMessage)
	proof := xorBytes(clientKey, clientSignature)

	if !ServerVerifyClientProof(storedKey, authMessage, proof) {
		t.Fatalf("expected a correctly derived proof to verify")
	}

	proof[0] ^= 0xFF
	if ServerVerifyClientProof(storedKey, authMessage, proof) {
		t.Fatalf("expected a tampered proof to fail verification")
	}
}
