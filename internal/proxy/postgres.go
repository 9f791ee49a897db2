package proxy

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgproto3/v2"

	"github.com/odypool/odypool/internal/authquery"
	"github.com/odypool/odypool/internal/backendauth"
	"github.com/odypool/odypool/internal/clientpool"
	"github.com/odypool/odypool/internal/config"
	"github.com/odypool/odypool/internal/frontendauth"
	"github.com/odypool/odypool/internal/health"
	"github.com/odypool/odypool/internal/metrics"
	"github.com/odypool/odypool/internal/pool"
	"github.com/odypool/odypool/internal/router"
	"github.com/odypool/odypool/internal/wire"
)

// SSL request magic number
const pgSSLRequestCode = 80877103

// pgProtoVersion is protocol version 3.0, the only version this proxy speaks.
const pgProtoVersion = 0x00030000

// PostgresHandler handles PostgreSQL wire protocol connections. It
// terminates frontend authentication at the pooler (client <-> pooler)
// independently of backend authentication (pooler <-> server): the client
// never sees the real database password, and the physical backend
// connection it ends up using may already have been authenticated and
// idling in the pool long before the client connected.
type PostgresHandler struct {
	router      *router.Router
	poolMgr     *pool.Manager
	healthCheck *health.Checker
	metrics     *metrics.Collector
	tlsConfig   *tls.Config
	frontend    frontendauth.Authenticator
}

// NewPostgresHandler builds a PostgresHandler wired with a frontend
// authenticator backed by the pool manager's auth_query support.
func NewPostgresHandler(r *router.Router, pm *pool.Manager, hc *health.Checker, m *metrics.Collector, tlsCfg *tls.Config) *PostgresHandler {
	return &PostgresHandler{
		router:      r,
		poolMgr:     pm,
		healthCheck: hc,
		metrics:     m,
		tlsConfig:   tlsCfg,
		frontend: frontendauth.Authenticator{
			AuthQuery: &authquery.Querier{Borrower: pm},
			Certs:     frontendauth.CommonNameVerifier{},
		},
	}
}

// Handle processes a PostgreSQL client connection end to end.
func (h *PostgresHandler) Handle(ctx context.Context, clientConn net.Conn) error {
	tenantID, startup, clientConn, err := h.readStartupMessage(clientConn)
	if err != nil {
		return fmt.Errorf("reading startup message: %w", err)
	}

	if tenantID == "" {
		h.sendPGError(clientConn, "FATAL", wire.CodeProtocolViolation, "no tenant_id provided in connection options")
		return fmt.Errorf("no tenant_id in startup message")
	}

	slog.Info("connection accepted", "subsystem", "proxy", "tenant", tenantID, "user", startup.User)

	tc, err := h.router.Resolve(tenantID)
	if err != nil {
		h.sendPGError(clientConn, "FATAL", wire.CodeInvalidAuthorizationSpecification, fmt.Sprintf("unknown tenant: %s", tenantID))
		return err
	}
	route := &tc

	if h.router.IsPaused(tenantID) {
		h.sendPGError(clientConn, "FATAL", wire.CodeInvalidAuthorizationSpecification, fmt.Sprintf("tenant %s is paused", tenantID))
		return fmt.Errorf("tenant %s is paused", tenantID)
	}

	if h.healthCheck != nil && !h.healthCheck.IsHealthy(tenantID) {
		h.sendPGError(clientConn, "FATAL", wire.CodeInvalidAuthorizationSpecification, fmt.Sprintf("tenant %s database is unhealthy", tenantID))
		return fmt.Errorf("tenant %s is unhealthy", tenantID)
	}

	be := pgproto3.NewBackend(pgproto3.NewChunkReader(clientConn), clientConn)
	client := clientpool.New(clientConn, be, startup, route)

	if err := h.frontend.Authenticate(ctx, client); err != nil {
		slog.Warn("frontend authentication failed", "subsystem", "auth", "tenant", tenantID, "user", startup.User, "err", err)
		return fmt.Errorf("frontend auth: %w", err)
	}

	tenantPool := h.poolMgr.GetOrCreate(tenantID, tc)

	// Transaction-mode pools acquire and release a backend per transaction
	// instead of pinning one to the client's whole session; that loop lives
	// in relayPGTransactionMode and owns admission itself.
	if tenantPool.PoolMode() == "transaction" {
		return relayPGTransactionMode(ctx, clientConn, tenantPool, tenantID, h.metrics)
	}

	pc, err := tenantPool.Acquire(ctx)
	if err != nil {
		wire.WriteErrorResponse(be, "FATAL", wire.CodeInvalidAuthorizationSpecification, fmt.Sprintf("cannot connect to database: %s", err))
		return err
	}
	defer pc.Close()

	backendConn := pc.Conn()

	if !pc.IsAuthenticated() {
		if err := h.authenticateBackend(ctx, backendConn, route, pc); err != nil {
			wire.WriteErrorResponse(be, "FATAL", wire.CodeInvalidAuthorizationSpecification, fmt.Sprintf("backend authentication failed: %s", err))
			return fmt.Errorf("backend auth: %w", err)
		}
	}

	if err := h.admitClient(be, pc); err != nil {
		return fmt.Errorf("admitting client: %w", err)
	}

	start := time.Now()
	err = relay(ctx, clientConn, backendConn)
	if h.metrics != nil {
		h.metrics.QueryDuration(tenantID, "postgres", time.Since(start))
	}
	return err
}

// authenticateBackend opens the startup handshake on a freshly dialed,
// not-yet-authenticated backend connection and runs it through
// internal/backendauth. Used for session-pool connections that skip
// authentication at dial time.
func (h *PostgresHandler) authenticateBackend(ctx context.Context, conn net.Conn, route *config.TenantConfig, pc *pool.PooledConn) error {
	fe := pgproto3.NewFrontend(pgproto3.NewChunkReader(conn), conn)

	user, _, err := backendauth.ResolveCredentials(route)
	if err != nil {
		return err
	}
	if err := fe.Send(&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters: map[string]string{
			"user":     user,
			"database": route.DBName,
		},
	}); err != nil {
		return fmt.Errorf("sending startup message: %w", err)
	}

	msg, err := fe.Receive()
	if err != nil {
		return fmt.Errorf("reading auth challenge: %w", err)
	}

	var authenticator backendauth.Authenticator
	if _, err := authenticator.Authenticate(fe, route, msg); err != nil {
		return err
	}

	params := make(map[string]string)
	var backendPID, backendKey uint32
	for {
		msg, err := fe.Receive()
		if err != nil {
			return fmt.Errorf("reading backend startup response: %w", err)
		}
		switch m := msg.(type) {
		case *pgproto3.ParameterStatus:
			params[m.Name] = m.Value
		case *pgproto3.BackendKeyData:
			backendPID, backendKey = m.ProcessID, m.SecretKey
		case *pgproto3.ReadyForQuery:
			pc.SetAuthenticated(params, backendPID, backendKey)
			return nil
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("backend startup error: %s", m.Message)
		}
	}
}

// admitClient sends the final ParameterStatus/BackendKeyData/ReadyForQuery
// sequence to the client using the values collected from the backend's own
// handshake, then the client is free to issue queries.
func (h *PostgresHandler) admitClient(be *pgproto3.Backend, pc *pool.PooledConn) error {
	for name, value := range pc.ServerParams() {
		if err := be.Send(&pgproto3.ParameterStatus{Name: name, Value: value}); err != nil {
			return fmt.Errorf("sending ParameterStatus: %w", err)
		}
	}
	if err := be.Send(&pgproto3.BackendKeyData{ProcessID: pc.BackendPID(), SecretKey: pc.BackendKey()}); err != nil {
		return fmt.Errorf("sending BackendKeyData: %w", err)
	}
	if err := be.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'}); err != nil {
		return fmt.Errorf("sending ReadyForQuery: %w", err)
	}
	return nil
}

// readStartupMessage reads the PostgreSQL startup message and extracts the
// tenant ID, user, and database. Handles SSL negotiation as a loop (max 3
// attempts) to prevent stack overflow.
func (h *PostgresHandler) readStartupMessage(conn net.Conn) (string, clientpool.Startup, net.Conn, error) {
	const maxSSLAttempts = 3
	currentConn := conn
	sslNegotiated := false

	for attempt := 0; attempt < maxSSLAttempts; attempt++ {
		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(currentConn, lenBuf); err != nil {
			return "", clientpool.Startup{}, currentConn, fmt.Errorf("reading startup length: %w", err)
		}
		msgLen := int(binary.BigEndian.Uint32(lenBuf))

		if msgLen < 8 || msgLen > 10000 {
			return "", clientpool.Startup{}, currentConn, fmt.Errorf("invalid startup message length: %d", msgLen)
		}

		buf := make([]byte, msgLen-4)
		if _, err := io.ReadFull(currentConn, buf); err != nil {
			return "", clientpool.Startup{}, currentConn, fmt.Errorf("reading startup body: %w", err)
		}

		protoVersion := binary.BigEndian.Uint32(buf[:4])
		if protoVersion == pgSSLRequestCode {
			if h.tlsConfig != nil {
				currentConn.Write([]byte{'S'})
				tlsConn := tls.Server(currentConn, h.tlsConfig)
				if err := tlsConn.Handshake(); err != nil {
					return "", clientpool.Startup{}, currentConn, fmt.Errorf("TLS handshake failed: %w", err)
				}
				currentConn = tlsConn
				sslNegotiated = true
			} else {
				currentConn.Write([]byte{'N'})
			}
			continue
		}

		params := make(map[string]string)
		data := buf[4:]
		for len(data) > 1 {
			keyEnd := 0
			for keyEnd < len(data) && data[keyEnd] != 0 {
				keyEnd++
			}
			if keyEnd >= len(data) {
				break
			}
			key := string(data[:keyEnd])
			data = data[keyEnd+1:]

			valEnd := 0
			for valEnd < len(data) && data[valEnd] != 0 {
				valEnd++
			}
			if valEnd >= len(data) {
				break
			}
			value := string(data[:valEnd])
			data = data[valEnd+1:]

			params[key] = value
		}

		tenantID := ""
		if options, ok := params["options"]; ok {
			tenantID = parseTenantFromOptions(options)
		}
		if tenantID == "" {
			if tid, ok := params["tenant_id"]; ok {
				tenantID = tid
			}
		}
		user := params["user"]
		if tenantID == "" {
			if tid, bareUser, ok := router.ExtractTenantFromUsername(user); ok {
				tenantID = tid
				user = bareUser
			}
		}

		startup := clientpool.Startup{
			User:         user,
			Database:     params["database"],
			IsSSLRequest: sslNegotiated,
		}
		return tenantID, startup, currentConn, nil
	}

	return "", clientpool.Startup{}, currentConn, fmt.Errorf("too many SSL negotiation attempts")
}

// parseTenantFromOptions extracts tenant_id from PG options string.
// Format: -c tenant_id=xxx
func parseTenantFromOptions(options string) string {
	parts := strings.Fields(options)
	for i, p := range parts {
		if p == "-c" && i+1 < len(parts) {
			kv := parts[i+1]
			if strings.HasPrefix(kv, "tenant_id=") {
				return strings.TrimPrefix(kv, "tenant_id=")
			}
		}
		if strings.HasPrefix(p, "tenant_id=") {
			return strings.TrimPrefix(p, "tenant_id=")
		}
	}
	return ""
}

// sendPGError sends a PostgreSQL ErrorResponse to the client over a raw
// connection, for failures that occur before a pgproto3.Backend exists yet.
func (h *PostgresHandler) sendPGError(conn net.Conn, severity, code, message string) {
	var buf []byte
	buf = append(buf, 'S')
	buf = append(buf, severity...)
	buf = append(buf, 0)
	buf = append(buf, 'C')
	buf = append(buf, code...)
	buf = append(buf, 0)
	buf = append(buf, 'M')
	buf = append(buf, message...)
	buf = append(buf, 0)
	buf = append(buf, 0)

	msgLen := len(buf) + 4
	out := make([]byte, 1+4+len(buf))
	out[0] = pgMsgErrorResponse
	binary.BigEndian.PutUint32(out[1:5], uint32(msgLen))
	copy(out[5:], buf)
	conn.Write(out)
}
