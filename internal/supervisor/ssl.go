package supervisor

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"net"

	"github.com/pgagroal/pgagroal-go/internal/wire"
)

// negotiateSSL reads the connection's first startup-family packet(s),
// answering SSLRequest/GSSENCRequest and handling CancelRequest inline, per
// spec.md §4.1. It returns the connection to use for the real
// StartupMessage (wrapped in TLS if negotiated) and whether TLS is now in
// effect. A nil client with a nil error means a CancelRequest was handled
// to completion and the caller should simply close the socket.
func (sv *Supervisor) negotiateSSL(conn net.Conn) (client net.Conn, tlsInUse bool, err error) {
	client = newPeekConn(conn)
	for {
		peek, err := peekStartupCode(client)
		if err != nil {
			return nil, false, err
		}

		switch peek {
		case wire.SSLRequestCode:
			if _, err := wire.ReadStartupPacket(client); err != nil {
				return nil, false, err
			}
			cfg := sv.tlsConfig.Load()
			if cfg == nil {
				if _, err := client.Write([]byte{'N'}); err != nil {
					return nil, false, err
				}
				continue
			}
			if _, err := client.Write([]byte{'S'}); err != nil {
				return nil, false, err
			}
			tlsConn := tls.Server(client, cfg)
			client = newPeekConn(tlsConn)
			tlsInUse = true
			continue

		case wire.GSSRequestCode:
			if _, err := wire.ReadStartupPacket(client); err != nil {
				return nil, false, err
			}
			if _, err := client.Write([]byte{'N'}); err != nil {
				return nil, false, err
			}
			continue

		case wire.CancelRequestCode:
			startup, err := wire.ReadStartupPacket(client)
			if err != nil {
				return nil, false, err
			}
			sv.handleCancel(startup.BackendPID, startup.BackendKey)
			return nil, false, nil

		default:
			return client, tlsInUse, nil
		}
	}
}

// peekStartupCode reads the 8-byte (length, code) header every
// startup-family packet begins with without consuming the underlying
// StartupMessage body, by wrapping client in a small buffering reader the
// caller's subsequent wire.ReadStartupPacket can still read whole.
//
// wire.ReadStartupPacket always consumes the whole packet itself, so this
// peeks by reading the header through a net.Conn wrapper that replays it.
func peekStartupCode(conn net.Conn) (uint32, error) {
	pc, ok := conn.(*peekConn)
	if !ok {
		pc = newPeekConn(conn)
	}
	header, err := pc.peekHeader()
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(header[4:8]), nil
}

// peekConn wraps a net.Conn so its first 8 bytes can be inspected and then
// still read normally by wire.ReadStartupPacket.
type peekConn struct {
	net.Conn
	buffered []byte
}

func newPeekConn(conn net.Conn) *peekConn { return &peekConn{Conn: conn} }

func (pc *peekConn) peekHeader() ([]byte, error) {
	if len(pc.buffered) >= 8 {
		return pc.buffered[:8], nil
	}
	buf := make([]byte, 8)
	n := copy(buf, pc.buffered)
	if _, err := readFull(pc.Conn, buf[n:]); err != nil {
		return nil, err
	}
	pc.buffered = buf
	return buf, nil
}

func (pc *peekConn) Read(b []byte) (int, error) {
	if len(pc.buffered) > 0 {
		n := copy(b, pc.buffered)
		pc.buffered = pc.buffered[n:]
		if len(pc.buffered) == 0 {
			pc.buffered = nil
		}
		return n, nil
	}
	return pc.Conn.Read(b)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// handleCancel implements CancelRequest by finding the slot whose backend
// (pid, key) matches, dialing a backend through sv.Dial and forwarding a raw
// CancelRequest packet. sv.Dial picks the currently selected server; the
// slot does not record which server it is bound to, so the cancel reaches
// that slot's backend only when both are the same server. A request naming an unknown (pid, key) pair is silently
// dropped, matching PostgreSQL's own CancelRequest semantics (no reply is
// ever sent).
func (sv *Supervisor) handleCancel(pid, key uint32) {
	for _, slot := range sv.Pool.Slots() {
		if slot.BackendPID != pid || slot.BackendKey != key {
			continue
		}
		backendConn := slot.Conn()
		if backendConn == nil {
			return
		}
		cancelConn, err := sv.Dial(context.Background())
		if err != nil {
			sv.logger.Warn("dialing backend for cancel", "err", err)
			return
		}
		defer cancelConn.Close()

		req := make([]byte, 16)
		binary.BigEndian.PutUint32(req[0:4], 16)
		binary.BigEndian.PutUint32(req[4:8], wire.CancelRequestCode)
		binary.BigEndian.PutUint32(req[8:12], pid)
		binary.BigEndian.PutUint32(req[12:16], key)
		if _, err := cancelConn.Write(req); err != nil {
			sv.logger.Warn("forwarding cancel request", "err", err)
		}
		return
	}
}
