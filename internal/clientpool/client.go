// Package clientpool implements the client lifecycle state machine (spec
// §3, §4.4): the Client type, its pool membership state, and the ClientPool
// that tracks every client of a route across {active, queued, pending}.
package clientpool

import (
	"crypto/rand"
	"encoding/binary"
	"net"

	"github.com/jackc/pgproto3/v2"

	"github.com/odypool/odypool/internal/config"
)

// Startup holds the parsed fields of the client's StartupMessage that the
// authentication state machines need.
type Startup struct {
	User         string
	Database     string
	IsSSLRequest bool
}

// Client represents one accepted frontend connection, pinned to the worker
// goroutine handling it for its whole lifetime.
type Client struct {
	Conn    net.Conn
	Backend *pgproto3.Backend
	Key     uint32
	Startup Startup
	Route   *config.TenantConfig

	state State
}

// New creates a Client in state Undef. Its salt key is derived once, here,
// and stays stable for the life of the connection.
func New(conn net.Conn, backend *pgproto3.Backend, startup Startup, route *config.TenantConfig) *Client {
	var keyBuf [4]byte
	_, _ = rand.Read(keyBuf[:]) // best-effort; a zero key only weakens the salt, it never breaks correctness
	return &Client{
		Conn:    conn,
		Backend: backend,
		Key:     binary.BigEndian.Uint32(keyBuf[:]),
		Startup: startup,
		Route:   route,
		state:   Undef,
	}
}

// State returns the client's current pool membership state.
func (c *Client) State() State {
	return c.state
}

// Salt derives the 4-byte MD5 challenge salt from the client's key. It is
// stable across repeated reads within one connection, per spec §4.1.
func (c *Client) Salt() [4]byte {
	var salt [4]byte
	binary.BigEndian.PutUint32(salt[:], c.Key)
	return salt
}
