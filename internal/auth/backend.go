package auth

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/pgagroal/pgagroal-go/internal/wire"
)

// SecurityMessages is the up-to-five captured auth frames a slot stores to
// enable replay re-authentication without backend contact (spec.md §3, §4.2
// mode B). Each entry holds one backend frame, in the order PassThrough
// received them: index 0 is the first auth-request frame (the challenge),
// later entries are any further challenge frames followed by the start of
// the success tail. Frames beyond the fifth are not stored.
type SecurityMessages [5]wire.Message

// PassThroughResult is what PassThrough captured while relaying the real
// client's credentials to a freshly dialed backend (auth mode A).
type PassThroughResult struct {
	Security     Security
	Messages     SecurityMessages
	MessageCount int
	BackendPID   uint32
	BackendKey   uint32
	ServerParams map[string]string
}

// PassThrough relays the authentication handshake verbatim between client
// and backend, capturing up to 5 frames into the returned SecurityMessages,
// per spec.md §4.2 mode A. The caller must already have written the
// StartupMessage to backend; PassThrough starts by reading the backend's reply.
func PassThrough(client, backend net.Conn) (PassThroughResult, error) {
	var res PassThroughResult
	res.ServerParams = make(map[string]string)

	capture := func(msg wire.Message) {
		if res.MessageCount < len(res.Messages) {
			res.Messages[res.MessageCount] = msg
			res.MessageCount++
		}
	}

	for {
		msg, err := wire.ReadBlock(backend)
		if err != nil {
			return res, fmt.Errorf("auth: reading backend during pass-through: %w", err)
		}

		if client != nil {
			if err := wire.Write(client, msg); err != nil {
				return res, fmt.Errorf("auth: forwarding to client during pass-through: %w", err)
			}
		}
		capture(msg)

		switch msg.Kind {
		case wire.KindErrorResponse:
			return res, fmt.Errorf("auth: backend error during pass-through: %s", wire.ParseErrorMessage(msg.Payload))

		case wire.KindReadyForQuery:
			return res, nil

		case wire.KindAuthentication:
			if len(msg.Payload) < 4 {
				return res, fmt.Errorf("auth: authentication message too short")
			}
			authType := binary.BigEndian.Uint32(msg.Payload[:4])
			switch authType {
			case 0: // AuthenticationOk
				res.Security = inferSecurityFromChallenge(res.Messages[:res.MessageCount])
				continue
			case 3, 5: // cleartext, md5 — single round trip
				if client == nil {
					return res, fmt.Errorf("auth: backend requires client credentials but no client is attached")
				}
				cmsg, err := wire.ReadBlock(client)
				if err != nil {
					return res, fmt.Errorf("auth: reading client auth response: %w", err)
				}
				if err := wire.Write(backend, cmsg); err != nil {
					return res, fmt.Errorf("auth: forwarding client auth response: %w", err)
				}
			case 10: // SASL (SCRAM-SHA-256): two client round trips
				if client == nil {
					return res, fmt.Errorf("auth: backend requires client credentials but no client is attached")
				}
				cmsg, err := wire.ReadBlock(client)
				if err != nil {
					return res, fmt.Errorf("auth: reading SASL initial response: %w", err)
				}
				if err := wire.Write(backend, cmsg); err != nil {
					return res, fmt.Errorf("auth: forwarding SASL initial response: %w", err)
				}

				bmsg, err := wire.ReadBlock(backend)
				if err != nil {
					return res, fmt.Errorf("auth: reading SASL continue: %w", err)
				}
				if err := wire.Write(client, bmsg); err != nil {
					return res, fmt.Errorf("auth: forwarding SASL continue: %w", err)
				}
				capture(bmsg)

				cmsg, err = wire.ReadBlock(client)
				if err != nil {
					return res, fmt.Errorf("auth: reading SASL response: %w", err)
				}
				if err := wire.Write(backend, cmsg); err != nil {
					return res, fmt.Errorf("auth: forwarding SASL response: %w", err)
				}
			case 11, 12: // SASLContinue/SASLFinal arriving outside the above flow
				continue
			default:
				return res, fmt.Errorf("auth: unsupported auth type %d", authType)
			}

		case wire.KindParameterStatus:
			key, val := parseNullTerminatedPair(msg.Payload)
			if key != "" {
				res.ServerParams[key] = val
			}

		case wire.KindBackendKeyData:
			if len(msg.Payload) >= 8 {
				res.BackendPID = binary.BigEndian.Uint32(msg.Payload[:4])
				res.BackendKey = binary.BigEndian.Uint32(msg.Payload[4:8])
			}
		}
	}
}

// inferSecurityFromChallenge guesses which method succeeded from the
// captured challenge frame, for slot bookkeeping when the pool never chose
// the method itself (pass-through mode A defers entirely to the backend).
func inferSecurityFromChallenge(captured []wire.Message) Security {
	for _, msg := range captured {
		if msg.Kind != wire.KindAuthentication || len(msg.Payload) < 4 {
			continue
		}
		switch binary.BigEndian.Uint32(msg.Payload[:4]) {
		case 3:
			return SecurityPassword
		case 5:
			return SecurityMD5
		case 10:
			return SecuritySCRAM256
		}
	}
	return SecurityTrust
}

func parseNullTerminatedPair(data []byte) (string, string) {
	for i, c := range data {
		if c == 0 {
			rest := data[i+1:]
			for j, c2 := range rest {
				if c2 == 0 {
					return string(data[:i]), string(rest[:j])
				}
			}
			return string(data[:i]), string(rest)
		}
	}
	return "", ""
}

// DialResult is the outcome of the pool itself authenticating against a
// backend using known backend-user credentials (prefill, auth-query
// superuser session) — spec.md §4.3 "Prefill" and §4.2 mode D.
type DialResult struct {
	ServerParams map[string]string
	BackendPID   uint32
	BackendKey   uint32
}

// DialAuthenticate sends a StartupMessage for (user, database) and drives
// whichever challenge the backend issues using the given password, stopping
// at ReadyForQuery. Used when the pool holds the credentials itself, not a
// real client.
func DialAuthenticate(backend net.Conn, user, database, password string) (DialResult, error) {
	var res DialResult
	res.ServerParams = make(map[string]string)

	startup := wire.EncodeStartupMessage(map[string]string{"user": user, "database": database})
	if _, err := backend.Write(startup); err != nil {
		return res, fmt.Errorf("auth: sending startup message: %w", err)
	}

	for {
		msg, err := wire.ReadBlock(backend)
		if err != nil {
			return res, fmt.Errorf("auth: reading backend: %w", err)
		}

		switch msg.Kind {
		case wire.KindAuthentication:
			if len(msg.Payload) < 4 {
				return res, fmt.Errorf("auth: authentication message too short")
			}
			authType := binary.BigEndian.Uint32(msg.Payload[:4])
			switch authType {
			case 0:
				continue
			case 3:
				if err := wire.Write(backend, wire.Message{Kind: wire.KindPassword, Payload: append([]byte(password), 0)}); err != nil {
					return res, err
				}
			case 5:
				if len(msg.Payload) < 8 {
					return res, fmt.Errorf("auth: MD5 auth message too short")
				}
				salt := msg.Payload[4:8]
				md5pass := ComputeMD5Password(user, password, salt)
				if err := wire.Write(backend, wire.Message{Kind: wire.KindPassword, Payload: append([]byte(md5pass), 0)}); err != nil {
					return res, err
				}
			case 10:
				if err := ScramClientAuth(backend, user, password, msg.Payload); err != nil {
					return res, fmt.Errorf("auth: SCRAM-SHA-256: %w", err)
				}
			default:
				return res, fmt.Errorf("auth: unsupported auth type %d", authType)
			}

		case wire.KindParameterStatus:
			key, val := parseNullTerminatedPair(msg.Payload)
			if key != "" {
				res.ServerParams[key] = val
			}

		case wire.KindBackendKeyData:
			if len(msg.Payload) >= 8 {
				res.BackendPID = binary.BigEndian.Uint32(msg.Payload[:4])
				res.BackendKey = binary.BigEndian.Uint32(msg.Payload[4:8])
			}

		case wire.KindReadyForQuery:
			if len(msg.Payload) >= 1 && msg.Payload[0] == 'I' {
				return res, nil
			}
			return res, fmt.Errorf("auth: unexpected transaction status after auth: %c", msg.Payload[0])

		case wire.KindErrorResponse:
			return res, fmt.Errorf("auth: backend error: %s", wire.ParseErrorMessage(msg.Payload))
		}
	}
}
