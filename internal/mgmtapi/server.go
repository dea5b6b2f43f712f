package mgmtapi

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/pgagroal/pgagroal-go/internal/auth"
	"github.com/pgagroal/pgagroal-go/internal/config"
)

// scramIterations is the iteration count used for on-the-fly remote
// management SCRAM challenges; admins.conf stores plaintext-after-decrypt
// passwords rather than precomputed verifiers, so DeriveKeys runs fresh
// per session (grounded on internal/auth/scram.go's server-role helpers).
const scramIterations = 4096

// scramHello is the first message a remote management client sends:
// the SCRAM client-first-message's bare content, carried as JSON instead
// of PostgreSQL wire framing.
type scramHello struct {
	Username    string `json:"username"`
	ClientFirst string `json:"client_first"`
}

type scramChallenge struct {
	CombinedNonce string `json:"combined_nonce"`
	Salt          string `json:"salt"`
	Iterations    int    `json:"iterations"`
}

type scramFinal struct {
	ClientFinal string `json:"client_final"`
}

type scramOutcome struct {
	Verified  bool   `json:"verified"`
	Signature string `json:"signature,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Server accepts management connections on a trusted local unix socket
// (no authentication, matching the original's filesystem-permission
// trust model) and, optionally, a remote TCP socket gated by
// SCRAM-SHA-256 against the admins table (spec.md §6).
type Server struct {
	Backend Backend
	Admins  func() config.UserTable

	localListener  net.Listener
	remoteListener net.Listener

	logger *log.Logger
}

// NewServer builds a management server. admins is called fresh on every
// remote connection attempt so a RELOAD'd admins table takes effect
// immediately.
func NewServer(backend Backend, admins func() config.UserTable) *Server {
	return &Server{Backend: backend, Admins: admins, logger: log.New(os.Stderr, "[mgmtapi] ", log.LstdFlags)}
}

// ListenLocal binds the trusted local management socket, a unix domain
// socket whose directory permissions are the only access control (same
// trust boundary as the original's unix socket).
func (s *Server) ListenLocal(socketPath string) error {
	os.Remove(socketPath)
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("mgmtapi: listen local: %w", err)
	}
	s.localListener = l
	return nil
}

// ListenRemote binds the optional remote management socket.
func (s *Server) ListenRemote(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("mgmtapi: listen remote: %w", err)
	}
	s.remoteListener = l
	return nil
}

// ServeLocal accepts connections on the local socket until it is closed.
func (s *Server) ServeLocal() error {
	return s.acceptLoop(s.localListener, false)
}

// ServeRemote accepts connections on the remote socket until it is closed.
func (s *Server) ServeRemote() error {
	return s.acceptLoop(s.remoteListener, true)
}

func (s *Server) acceptLoop(l net.Listener, requireAuth bool) error {
	if l == nil {
		return nil
	}
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		go s.handle(conn, requireAuth)
	}
}

// Close shuts down both listeners.
func (s *Server) Close() {
	if s.localListener != nil {
		s.localListener.Close()
	}
	if s.remoteListener != nil {
		s.remoteListener.Close()
	}
}

func (s *Server) handle(conn net.Conn, requireAuth bool) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	if requireAuth {
		if !s.authenticateRemote(conn) {
			return
		}
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.logger.Printf("malformed request: %v", err)
		return
	}

	resp := Dispatch(s.Backend, &req)
	out, err := resp.encode()
	if err != nil {
		s.logger.Printf("encode response: %v", err)
		return
	}
	conn.Write(out)
}

// authenticateRemote runs a three-message SCRAM-SHA-256 exchange carried
// as JSON lines instead of PostgreSQL SASL framing, verifying the client
// against the admins table (spec.md §6 "remote management requires
// authentication").
func (s *Server) authenticateRemote(conn net.Conn) bool {
	reader := bufio.NewReader(conn)

	helloLine, err := reader.ReadBytes('\n')
	if err != nil {
		return false
	}
	var hello scramHello
	if err := json.Unmarshal(helloLine, &hello); err != nil {
		return false
	}

	admins := config.UserTable(nil)
	if s.Admins != nil {
		admins = s.Admins()
	}
	password, found := admins.Lookup(hello.Username)
	if !found {
		s.writeScramError(conn, "unknown admin user")
		return false
	}

	clientNonce, err := auth.ParseClientFirst(hello.ClientFirst)
	if err != nil {
		s.writeScramError(conn, "malformed client-first-message")
		return false
	}

	combinedNonce, salt, err := auth.ServerNewChallenge(clientNonce)
	if err != nil {
		s.writeScramError(conn, "internal error")
		return false
	}

	challenge := scramChallenge{CombinedNonce: combinedNonce, Salt: base64.StdEncoding.EncodeToString(salt), Iterations: scramIterations}
	challengeLine, err := json.Marshal(challenge)
	if err != nil {
		return false
	}
	if _, err := conn.Write(append(challengeLine, '\n')); err != nil {
		return false
	}

	finalLine, err := reader.ReadBytes('\n')
	if err != nil {
		return false
	}
	var final scramFinal
	if err := json.Unmarshal(finalLine, &final); err != nil {
		return false
	}

	withoutProof, proof, err := auth.ParseClientFinal(final.ClientFinal)
	if err != nil {
		s.writeScramError(conn, "malformed client-final-message")
		return false
	}

	_, storedKey, serverKey := auth.DeriveKeys(password, salt, scramIterations)
	authMessage := fmt.Sprintf("n=%s,r=%s,r=%s,s=%s,i=%d,%s", hello.Username, clientNonce, combinedNonce, challenge.Salt, scramIterations, withoutProof)

	if !auth.ServerVerifyClientProof(storedKey, []byte(authMessage), proof) {
		s.writeScramError(conn, "authentication failed")
		return false
	}

	outcome := scramOutcome{Verified: true, Signature: auth.ServerSignature(serverKey, []byte(authMessage))}
	line, err := json.Marshal(outcome)
	if err != nil {
		return false
	}
	_, err = conn.Write(append(line, '\n'))
	return err == nil
}

func (s *Server) writeScramError(conn net.Conn, msg string) {
	line, err := json.Marshal(scramOutcome{Verified: false, Error: msg})
	if err != nil {
		return
	}
	conn.Write(append(line, '\n'))
}
