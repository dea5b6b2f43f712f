package supervisor

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pgagroal/pgagroal-go/internal/auth"
	"github.com/pgagroal/pgagroal-go/internal/pipeline"
	"github.com/pgagroal/pgagroal-go/internal/pool"
	"github.com/pgagroal/pgagroal-go/internal/wire"
)

// handleClient drives one accepted connection from the raw socket through
// SSL negotiation, HBA matching, authentication, and into the configured
// pipeline, matching the original's per-connection worker (spec.md §4.1,
// §4.2, §4.4), reimplemented as one goroutine instead of a forked process
// (spec.md §9 REDESIGN FLAGS).
func (sv *Supervisor) handleClient(conn net.Conn) {
	defer conn.Close()

	cfg := sv.config().Server
	if cfg.AuthenticationTimeout > 0 {
		conn.SetDeadline(time.Now().Add(cfg.AuthenticationTimeout))
	}

	client, tlsInUse, err := sv.negotiateSSL(conn)
	if err != nil {
		sv.logger.Warn("ssl negotiation failed", "err", err)
		return
	}
	if client == nil {
		// A CancelRequest was handled to completion within negotiateSSL.
		return
	}

	startup, err := wire.ReadStartupPacket(client)
	if err != nil {
		sv.logger.Warn("reading startup message", "err", err)
		return
	}

	database := startup.Params["database"]
	user := startup.Params["user"]
	if database == "" || user == "" {
		writeFatal(client, "08004", "no database/user in startup message")
		return
	}

	peerIP := peerAddress(client)
	hbaTable := sv.hba.Load()
	method, matched := hbaTable.Match(tlsInUse, database, user, peerIP, sv.aliasesOf)
	if !matched || method == auth.MethodReject {
		sv.Metrics.AuthOutcome(method.String(), false)
		writeFatal(client, "28000", fmt.Sprintf("no pg_hba.conf entry for user %q database %q", user, database))
		return
	}

	// Clear the authentication deadline; the pipeline governs the rest of
	// the connection's lifetime with its own timeouts.
	conn.SetDeadline(time.Time{})

	authenticate, err := sv.buildAuthenticate(client, database, user, method)
	if err != nil {
		sv.Metrics.AuthOutcome(method.String(), false)
		writeFatal(client, "28000", err.Error())
		return
	}

	pipelineCfg := pipeline.Config{
		Kind:                    sv.pipelineKind,
		Database:                database,
		Username:                user,
		DisconnectClientTimeout: cfg.DisconnectClient,
		TrackPreparedStatements: cfg.TrackPreparedStatements,
		Hooks: pipeline.Hooks{
			OnAcquireDuration: func(d time.Duration) { sv.Metrics.AcquireDuration(database, user, d) },
			OnSessionPinned:   func(reason string) { sv.Metrics.SessionPinned(reason) },
			OnBackendReset:    func(ok bool) { sv.Metrics.BackendReset(ok) },
			OnDirtyDisconnect: func() { sv.Metrics.DirtyDisconnect(database, user) },
		},
	}

	sv.Pool.SetOnPoolExhausted(func(database, user string) { sv.Metrics.PoolExhausted(database, user) })

	ctx := context.Background()
	if err := pipelineCfg.Run(ctx, client, sv.Pool, authenticate); err != nil {
		sv.logger.Debug("pipeline ended", "database", database, "user", user, "err", err)
	}
}

// buildAuthenticate selects the authentication mode for (database, user)
// per spec.md §4.2 and returns the pool.Acquire callback that realizes it.
// The callback is invoked only when Acquire claims a brand-new NOTINIT
// slot; a cached FREE slot bypasses it entirely inside Pool.Acquire, which
// is exactly mode B's "no backend round trip" behavior — the client still
// needs re-authenticating against the cached security frames, which this
// function does itself, eagerly, before Acquire is even called, the same
// way the original probes the cache before deciding a mode.
func (sv *Supervisor) buildAuthenticate(client net.Conn, database, user string, method auth.Method) (pool.Authenticate, error) {
	if cached := sv.Pool.PeekFree(database, user); cached != nil {
		password, _ := sv.frontendPassword(user)
		outcome, err := auth.ReplayCached(client, cached.HasSecurity, cached.Security, cached.SecurityLen, password, user, cached.MD5Salt)
		if err != nil {
			return nil, fmt.Errorf("replaying cached authentication: %w", err)
		}
		sv.Metrics.AuthOutcome("replay", outcome == auth.Success)
		if outcome != auth.Success {
			return nil, fmt.Errorf("authentication failed")
		}
		// The slot is already bound; authenticate is still required by
		// Pool.Acquire's signature but will only run if the cache was
		// stolen out from under us, in which case it dials a fresh
		// backend with the pool's own credentials without challenging
		// the already-authenticated client again.
		backendPw, _ := sv.backendPassword(user)
		security := cached.HasSecurity
		return func(slot *pool.Slot) error {
			return sv.dialAndBind(slot, database, user, backendPw, security, nil)
		}, nil
	}

	switch method {
	case auth.MethodTrust:
		return sv.authenticateTrust(client, database, user)

	case auth.MethodAll:
		return sv.authenticatePassThrough(client, database, user)

	default:
		return sv.authenticateKnownOrQueried(client, database, user, method)
	}
}

func (sv *Supervisor) authenticateTrust(client net.Conn, database, user string) (pool.Authenticate, error) {
	outcome, err := auth.ChallengeFresh(client, auth.MethodTrust, user, "")
	sv.Metrics.AuthOutcome("trust", outcome == auth.Success)
	if err != nil || outcome != auth.Success {
		return nil, fmt.Errorf("trust authentication failed")
	}
	password, _ := sv.backendPassword(user)
	return func(slot *pool.Slot) error {
		return sv.dialAndBind(slot, database, user, password, auth.SecurityTrust, nil)
	}, nil
}

// authenticateKnownOrQueried implements mode C (a locally configured
// frontend/backend password) and mode D (auth-query, when no password is
// configured and auth_query is enabled).
func (sv *Supervisor) authenticateKnownOrQueried(client net.Conn, database, user string, method auth.Method) (pool.Authenticate, error) {
	frontendPw, known := sv.frontendPassword(user)
	backendPw, _ := sv.backendPassword(user)

	if !known {
		if !sv.config().Server.AuthQuery {
			return nil, fmt.Errorf("no credentials configured for user %q", user)
		}
		fetched, err := sv.fetchAuthQueryPassword(database, user)
		if err != nil {
			return nil, err
		}
		frontendPw, backendPw = fetched, fetched
	}

	outcome, err := auth.ChallengeFresh(client, method, user, frontendPw)
	sv.Metrics.AuthOutcome(method.String(), outcome == auth.Success)
	if err != nil || outcome != auth.Success {
		return nil, fmt.Errorf("authentication failed")
	}

	security := auth.HasSecurityFromMethod(method)
	return func(slot *pool.Slot) error {
		return sv.dialAndBind(slot, database, user, backendPw, security, nil)
	}, nil
}

// fetchAuthQueryPassword serializes access to the superuser connection via
// Pool.AcquireSuConnection, per spec.md §4.2 mode D and §5's su_connection
// lock.
func (sv *Supervisor) fetchAuthQueryPassword(database, user string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := sv.Pool.AcquireSuConnection(ctx); err != nil {
		return "", fmt.Errorf("acquiring su_connection: %w", err)
	}
	defer sv.Pool.ReleaseSuConnection()

	superusers := sv.config().Superuser
	if len(superusers) == 0 {
		return "", fmt.Errorf("auth_query is enabled but no superuser is configured")
	}
	su := superusers[0]

	backendConn, err := sv.Dial(ctx)
	if err != nil {
		return "", fmt.Errorf("dialing superuser connection: %w", err)
	}
	defer backendConn.Close()

	if _, err := auth.DialAuthenticate(backendConn, su.Username, database, su.Password); err != nil {
		return "", fmt.Errorf("superuser authentication: %w", err)
	}

	return auth.FetchStoredPassword(backendConn, user)
}

// authenticatePassThrough implements mode A: no password is known locally,
// so the real client and a freshly dialed backend authenticate each other
// directly, with pgagroal relaying and capturing the frames.
func (sv *Supervisor) authenticatePassThrough(client net.Conn, database, user string) (pool.Authenticate, error) {
	return func(slot *pool.Slot) error {
		backendConn, err := sv.Dial(context.Background())
		if err != nil {
			return fmt.Errorf("dialing backend: %w", err)
		}
		startup := wire.EncodeStartupMessage(map[string]string{"user": user, "database": database})
		if _, err := backendConn.Write(startup); err != nil {
			backendConn.Close()
			return fmt.Errorf("forwarding startup message: %w", err)
		}
		res, err := auth.PassThrough(client, backendConn)
		if err != nil {
			backendConn.Close()
			sv.Metrics.AuthOutcome("pass_through", false)
			return err
		}
		sv.Metrics.AuthOutcome("pass_through", true)
		slot.Bind(backendConn, database, user, res.Security, res.Messages, res.MessageCount, nil, res.BackendPID, res.BackendKey)
		return nil
	}, nil
}

func (sv *Supervisor) dialAndBind(slot *pool.Slot, database, user, password string, security auth.Security, md5Salt []byte) error {
	backendConn, err := sv.Dial(context.Background())
	if err != nil {
		return fmt.Errorf("dialing backend: %w", err)
	}
	res, err := auth.DialAuthenticate(backendConn, user, database, password)
	if err != nil {
		backendConn.Close()
		return err
	}
	slot.Bind(backendConn, database, user, security, auth.SecurityMessages{}, 0, md5Salt, res.BackendPID, res.BackendKey)
	return nil
}

func peerAddress(conn net.Conn) net.IP {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

func writeFatal(conn net.Conn, code, message string) {
	wire.Write(conn, wire.BuildErrorResponse("FATAL", code, message))
}
