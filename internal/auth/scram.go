package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/pbkdf2"

	"github.com/pgagroal/pgagroal-go/internal/wire"
)

// SCRAM-SHA-256 per RFC 5802, channel binding "biws" (no channel binding),
// as specified in spec.md §4.2.
const (
	scramNonceBytes = 18
	scramSaltBytes  = 16
	scramIterations = 4096
)

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// xorBytes XORs a against b byte-by-byte. Callers must ensure len(a) ==
// len(b); a and b carry attacker-controlled lengths in places (the SCRAM
// client proof in particular), so this is never called without a prior
// length check.
func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func saslEscapeUsername(user string) string {
	user = strings.ReplaceAll(user, "=", "=3D")
	user = strings.ReplaceAll(user, ",", "=2C")
	return user
}

// --- Client role: authenticate ourselves against a PostgreSQL backend with
// credentials the pool holds (DialAuthenticate: prefill, the backend dial of
// modes C/D, and auth-query mode's superuser leg). Grounded on the teacher's
// scramSHA256Auth.

// ScramClientAuth drives the SCRAM-SHA-256 exchange as the client, given the
// AuthenticationSASL payload the backend already sent (saslPayload,
// including the 4-byte auth-type prefix).
func ScramClientAuth(conn net.Conn, user, password string, saslPayload []byte) error {
	mechanisms := parseSASLMechanisms(saslPayload[4:])
	if !containsMechanism(mechanisms, "SCRAM-SHA-256") {
		return fmt.Errorf("auth: server does not support SCRAM-SHA-256, offered: %v", mechanisms)
	}

	nonceBytes := make([]byte, scramNonceBytes)
	if _, err := rand.Read(nonceBytes); err != nil {
		return fmt.Errorf("auth: generating nonce: %w", err)
	}
	clientNonce := base64.StdEncoding.EncodeToString(nonceBytes)

	gs2Header := "n,,"
	clientFirstBare := fmt.Sprintf("n=%s,r=%s", saslEscapeUsername(user), clientNonce)
	clientFirstMsg := gs2Header + clientFirstBare

	if err := sendSASLInitialResponse(conn, "SCRAM-SHA-256", []byte(clientFirstMsg)); err != nil {
		return fmt.Errorf("auth: sending SASL initial response: %w", err)
	}

	serverFirstMsg, err := readAuthMessage(conn, 11)
	if err != nil {
		return fmt.Errorf("auth: reading server-first-message: %w", err)
	}

	serverNonce, salt, iterations, err := parseServerFirst(string(serverFirstMsg))
	if err != nil {
		return fmt.Errorf("auth: parsing server-first-message: %w", err)
	}
	if !strings.HasPrefix(serverNonce, clientNonce) {
		return fmt.Errorf("auth: server nonce does not start with client nonce")
	}

	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)

	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte(gs2Header))
	clientFinalWithoutProof := fmt.Sprintf("%s,r=%s", channelBinding, serverNonce)
	authMessage := clientFirstBare + "," + string(serverFirstMsg) + "," + clientFinalWithoutProof

	clientSignature := hmacSHA256(storedKey, []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)
	clientFinalMsg := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)

	if err := sendSASLResponse(conn, []byte(clientFinalMsg)); err != nil {
		return fmt.Errorf("auth: sending SASL response: %w", err)
	}

	serverFinalMsg, err := readAuthMessage(conn, 12)
	if err != nil {
		return fmt.Errorf("auth: reading server-final-message: %w", err)
	}

	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	expectedServerSig := hmacSHA256(serverKey, []byte(authMessage))
	expectedServerFinal := "v=" + base64.StdEncoding.EncodeToString(expectedServerSig)

	if !ConstantTimeEqual(serverFinalMsg, []byte(expectedServerFinal)) {
		return fmt.Errorf("auth: server signature mismatch")
	}
	return nil
}

func parseSASLMechanisms(data []byte) []string {
	var mechs []string
	for len(data) > 0 {
		idx := 0
		for idx < len(data) && data[idx] != 0 {
			idx++
		}
		if idx > 0 {
			mechs = append(mechs, string(data[:idx]))
		}
		if idx >= len(data) {
			break
		}
		data = data[idx+1:]
	}
	return mechs
}

func containsMechanism(mechs []string, target string) bool {
	for _, m := range mechs {
		if m == target {
			return true
		}
	}
	return false
}

func parseServerFirst(msg string) (nonce string, salt []byte, iterations int, err error) {
	for _, part := range strings.Split(msg, ",") {
		switch {
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "s="):
			salt, err = base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("decoding salt: %w", err)
			}
		case strings.HasPrefix(part, "i="):
			fmt.Sscanf(part[2:], "%d", &iterations)
		}
	}
	if nonce == "" || salt == nil || iterations == 0 {
		return "", nil, 0, fmt.Errorf("incomplete server-first-message: %q", msg)
	}
	return nonce, salt, iterations, nil
}

func sendSASLInitialResponse(conn net.Conn, mechanism string, clientFirstMsg []byte) error {
	var payload []byte
	payload = append(payload, mechanism...)
	payload = append(payload, 0)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(clientFirstMsg)))
	payload = append(payload, lenBuf...)
	payload = append(payload, clientFirstMsg...)
	return wire.Write(conn, wire.Message{Kind: wire.KindPassword, Payload: payload})
}

func sendSASLResponse(conn net.Conn, data []byte) error {
	return wire.Write(conn, wire.Message{Kind: wire.KindPassword, Payload: data})
}

// readAuthMessage reads one Authentication message and verifies its auth
// subtype, returning the payload after the 4-byte auth-type field.
func readAuthMessage(conn net.Conn, expectedAuthType uint32) ([]byte, error) {
	msg, err := wire.ReadBlock(conn)
	if err != nil {
		return nil, err
	}
	if msg.Kind == wire.KindErrorResponse {
		return nil, fmt.Errorf("auth: backend error: %s", wire.ParseErrorMessage(msg.Payload))
	}
	if msg.Kind != wire.KindAuthentication {
		return nil, fmt.Errorf("auth: expected Authentication message, got %q", msg.Kind)
	}
	if len(msg.Payload) < 4 {
		return nil, fmt.Errorf("auth: auth message too short")
	}
	authType := binary.BigEndian.Uint32(msg.Payload[:4])
	if authType != expectedAuthType {
		return nil, fmt.Errorf("auth: expected auth type %d, got %d", expectedAuthType, authType)
	}
	return msg.Payload[4:], nil
}

// --- Server role: verify a client's SCRAM-SHA-256 response against a
// password known in cleartext, deriving the keys per exchange with
// DeriveKeys. frontend.go's replaySCRAM uses it for both cached-slot replay
// and fresh frontend challenges, and mgmtapi uses it for remote admins.

// ServerFirstMessage is what a SCRAM server sends after receiving the
// client's first message: "r=<nonce>,s=<salt>,i=<iterations>".
type ServerFirstMessage struct {
	CombinedNonce string
	Salt          []byte
	Iterations    int
}

// ParseClientFirst extracts the client nonce from "n,,n=<user>,r=<nonce>".
func ParseClientFirst(msg string) (clientNonce string, err error) {
	idx := strings.Index(msg, "n=")
	if idx < 0 {
		return "", fmt.Errorf("auth: malformed client-first-message")
	}
	bare := msg[idx:]
	for _, part := range strings.Split(bare, ",") {
		if strings.HasPrefix(part, "r=") {
			return part[2:], nil
		}
	}
	return "", fmt.Errorf("auth: client-first-message missing nonce")
}

// ServerNewChallenge generates a fresh server nonce/salt pair appended to
// the client's nonce, per RFC 5802 §5.1.
func ServerNewChallenge(clientNonce string) (combinedNonce string, salt []byte, err error) {
	nonceBytes := make([]byte, scramNonceBytes)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", nil, err
	}
	salt = make([]byte, scramSaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", nil, err
	}
	combinedNonce = clientNonce + base64.StdEncoding.EncodeToString(nonceBytes)
	return combinedNonce, salt, nil
}

// ServerVerifyClientProof recomputes the client key from the client's
// proof and checks it against storedKey, per spec.md §4.2 "Verification
// (server role)": client-key = proof XOR HMAC(stored-key, AuthMessage);
// require SHA-256(client-key) == stored-key.
func ServerVerifyClientProof(storedKey, authMessage, clientProof []byte) bool {
	clientSignature := hmacSHA256(storedKey, authMessage)
	if len(clientProof) != len(clientSignature) {
		return false
	}
	clientKey := xorBytes(clientProof, clientSignature)
	return ConstantTimeEqual(sha256Sum(clientKey), storedKey)
}

// ServerSignature computes "v=<base64 signature>" for SASLFinal.
func ServerSignature(serverKey, authMessage []byte) string {
	sig := hmacSHA256(serverKey, authMessage)
	return "v=" + base64.StdEncoding.EncodeToString(sig)
}

// DeriveKeys computes client-key, stored-key and server-key from a
// password, salt and iteration count — the same derivation both the client
// and server roles need (spec.md §4.2).
func DeriveKeys(password string, salt []byte, iterations int) (clientKey, storedKey, serverKey []byte) {
	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey = hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey = sha256Sum(clientKey)
	serverKey = hmacSHA256(saltedPassword, []byte("Server Key"))
	return
}

// ParseClientFinal extracts the channel-binding/nonce prefix, the proof,
// and reconstructs "client-final-without-proof" from a client-final-message
// "c=biws,r=<nonce>,p=<base64 proof>".
func ParseClientFinal(msg string) (withoutProof string, proof []byte, err error) {
	idx := strings.LastIndex(msg, ",p=")
	if idx < 0 {
		return "", nil, fmt.Errorf("auth: client-final-message missing proof")
	}
	withoutProof = msg[:idx]
	proofB64 := msg[idx+3:]
	proof, err = base64.StdEncoding.DecodeString(proofB64)
	if err != nil {
		return "", nil, fmt.Errorf("auth: decoding client proof: %w", err)
	}
	return withoutProof, proof, nil
}

// ReadUTF8Codepoints validates s is well-formed UTF-8 and within
// MaxPasswordChars code points, per spec.md §4.2 "UTF-8 discipline".
func ReadUTF8Codepoints(s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("auth: password is not valid UTF-8")
	}
	if n := utf8.RuneCountInString(s); n > MaxPasswordChars {
		return fmt.Errorf("auth: password exceeds %d code points", MaxPasswordChars)
	}
	return nil
}
