package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net"
	"strings"

	"github.com/pgagroal/pgagroal-go/internal/wire"
)

func randSalt(buf []byte) (int, error) {
	return rand.Read(buf)
}

func b64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// Challenge drives the client-facing side of an authentication attempt: it
// issues whatever frame the chosen Method requires and reads the client's
// response, without ever touching a backend. Used by both frontend
// re-authentication modes (B and C) and by the initial HBA-selected
// challenge for a brand-new slot.
type Challenge struct {
	Method Method
	// Salt is reused for MD5 challenges when replaying a cached frame
	// (mode B); a fresh salt is drawn when challenging for the first time.
	Salt []byte
}

// ReplayCached re-authenticates a client against the security frames a slot
// captured on its first real backend authentication, without contacting the
// backend again, per spec.md §4.2 mode B. It issues a fresh challenge of
// the captured security flavor to the client (a fresh nonce and salt for
// SCRAM), verifies the client's response the same way the backend would
// have, and then replays the captured tail, using the password the pool already
// knows (backend user table). md5Salt must be the salt embedded in the
// originally captured MD5 challenge, if security is SecurityMD5.
func ReplayCached(client net.Conn, security Security, messages SecurityMessages, count int, password, user string, md5Salt []byte) (Outcome, error) {
	switch security {
	case SecurityTrust:
		// No challenge frame was ever captured for trust (the backend's
		// first message was already AuthenticationOk), so the whole
		// captured sequence is the tail to replay.
		return Success, replayTail(client, messages, count, 0)

	case SecurityPassword:
		if err := wire.Write(client, wire.Message{Kind: wire.KindAuthentication, Payload: authTypePayload(3)}); err != nil {
			return AuthError, err
		}
		resp, err := readPasswordMessage(client)
		if err != nil {
			return AuthError, err
		}
		if !VerifyPassword(resp, password) {
			return BadPassword, nil
		}
		return Success, replayTail(client, messages, count, 1)

	case SecurityMD5:
		payload := authTypePayload(5)
		payload = append(payload, md5Salt...)
		if err := wire.Write(client, wire.Message{Kind: wire.KindAuthentication, Payload: payload}); err != nil {
			return AuthError, err
		}
		resp, err := readPasswordMessage(client)
		if err != nil {
			return AuthError, err
		}
		expected := ComputeMD5Password(user, password, md5Salt)
		if !ConstantTimeEqual([]byte(resp), []byte(expected)) {
			return BadPassword, nil
		}
		return Success, replayTail(client, messages, count, 1)

	case SecuritySCRAM256:
		return replaySCRAM(client, password, user, messages, count)

	default:
		return AuthError, fmt.Errorf("auth: cannot replay unknown security flavor")
	}
}

// replayTail writes whatever of the slot's captured security frames remain
// after the first skip entries (the entries already re-sent as a fresh
// challenge above), restoring the AuthenticationOk + ParameterStatus… +
// BackendKeyData + ReadyForQuery tail the real backend handshake produced
// (spec.md §4.2 mode B, §8's replay round-trip law). Falls back to a bare
// AuthenticationOk when the slot captured nothing beyond the challenge, so
// a slot bound without captured frames (e.g. PassThrough never ran) still
// completes.
func replayTail(client net.Conn, messages SecurityMessages, count, skip int) error {
	if count <= skip {
		return completeOk(client)
	}
	for i := skip; i < count; i++ {
		if err := wire.Write(client, messages[i]); err != nil {
			return err
		}
	}
	return nil
}

// ChallengeFresh issues a brand-new challenge for method against a client
// and verifies the response against password, per spec.md §4.2 mode C
// (explicit frontend password, no cached frames to replay).
func ChallengeFresh(client net.Conn, method Method, user, password string) (Outcome, error) {
	switch method {
	case MethodTrust:
		return Success, completeOk(client)

	case MethodPassword:
		if err := wire.Write(client, wire.Message{Kind: wire.KindAuthentication, Payload: authTypePayload(3)}); err != nil {
			return AuthError, err
		}
		resp, err := readPasswordMessage(client)
		if err != nil {
			return AuthError, err
		}
		if !VerifyPassword(resp, password) {
			return BadPassword, nil
		}
		return Success, completeOk(client)

	case MethodMD5:
		salt := make([]byte, 4)
		if _, err := randSalt(salt); err != nil {
			return AuthError, err
		}
		payload := authTypePayload(5)
		payload = append(payload, salt...)
		if err := wire.Write(client, wire.Message{Kind: wire.KindAuthentication, Payload: payload}); err != nil {
			return AuthError, err
		}
		resp, err := readPasswordMessage(client)
		if err != nil {
			return AuthError, err
		}
		expected := ComputeMD5Password(user, password, salt)
		if !ConstantTimeEqual([]byte(resp), []byte(expected)) {
			return BadPassword, nil
		}
		return Success, completeOk(client)

	case MethodSCRAMSHA256:
		return replaySCRAM(client, password, user, SecurityMessages{}, 0)

	default:
		return AuthError, fmt.Errorf("auth: method %s cannot be challenged directly", method)
	}
}

// replaySCRAM runs the server role of SCRAM-SHA-256 against the client,
// shared by mode B (cached security flavor was SCRAM) and mode C (method is
// SCRAM and we know the frontend password in cleartext). A fresh nonce and
// salt are issued every time rather than replayed from messages, since
// reusing them would break SCRAM's per-exchange freshness guarantee; only
// the captured tail from the first AuthenticationOk on (messages[skip:count])
// is replayed.
func replaySCRAM(client net.Conn, password, user string, messages SecurityMessages, count int) (Outcome, error) {
	mechList := "SCRAM-SHA-256\x00\x00"
	payload := authTypePayload(10)
	payload = append(payload, []byte(mechList)...)
	if err := wire.Write(client, wire.Message{Kind: wire.KindAuthentication, Payload: payload}); err != nil {
		return AuthError, err
	}

	initial, err := readPasswordMessage(client)
	if err != nil {
		return AuthError, err
	}
	gs2AndRest := stripSASLMechanismHeader(initial)
	clientNonce, err := ParseClientFirst(gs2AndRest)
	if err != nil {
		return AuthError, err
	}

	combinedNonce, salt, err := ServerNewChallenge(clientNonce)
	if err != nil {
		return AuthError, err
	}
	iterations := scramIterations
	serverFirst := fmt.Sprintf("r=%s,s=%s,i=%d", combinedNonce, b64(salt), iterations)

	continuePayload := authTypePayload(11)
	continuePayload = append(continuePayload, []byte(serverFirst)...)
	if err := wire.Write(client, wire.Message{Kind: wire.KindAuthentication, Payload: continuePayload}); err != nil {
		return AuthError, err
	}

	finalMsgRaw, err := readPasswordMessage(client)
	if err != nil {
		return AuthError, err
	}
	withoutProof, proof, err := ParseClientFinal(finalMsgRaw)
	if err != nil {
		return AuthError, err
	}

	clientFirstBare := gs2AndRest[strings.Index(gs2AndRest, "n="):]
	authMessage := clientFirstBare + "," + serverFirst + "," + withoutProof

	_, storedKey, serverKey := DeriveKeys(password, salt, iterations)
	if !ServerVerifyClientProof(storedKey, []byte(authMessage), proof) {
		return BadPassword, nil
	}

	serverFinal := ServerSignature(serverKey, []byte(authMessage))
	finalPayload := authTypePayload(12)
	finalPayload = append(finalPayload, []byte(serverFinal)...)
	if err := wire.Write(client, wire.Message{Kind: wire.KindAuthentication, Payload: finalPayload}); err != nil {
		return AuthError, err
	}

	skip := count
	for i := 0; i < count; i++ {
		m := messages[i]
		if m.Kind == wire.KindAuthentication && len(m.Payload) >= 4 && binary.BigEndian.Uint32(m.Payload[:4]) == 0 {
			skip = i
			break
		}
	}
	return Success, replayTail(client, messages, count, skip)
}

func stripSASLMechanismHeader(data []byte) string {
	idx := 0
	for idx < len(data) && data[idx] != 0 {
		idx++
	}
	if idx+4 >= len(data) {
		return string(data)
	}
	return string(data[idx+5:])
}

func authTypePayload(authType uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, authType)
	return buf
}

func readPasswordMessage(conn net.Conn) (string, error) {
	msg, err := wire.ReadBlock(conn)
	if err != nil {
		return "", err
	}
	if msg.Kind != wire.KindPassword {
		return "", fmt.Errorf("auth: expected PasswordMessage, got %q", msg.Kind)
	}
	payload := msg.Payload
	if n := len(payload); n > 0 && payload[n-1] == 0 {
		payload = payload[:n-1]
	}
	return string(payload), nil
}

func completeOk(client net.Conn) error {
	return wire.Write(client, wire.Message{Kind: wire.KindAuthentication, Payload: authTypePayload(0)})
}
