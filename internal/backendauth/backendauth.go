// Package backendauth implements the backend authentication state machine
// (spec §4.2): it responds to a PostgreSQL server's Authentication*
// challenge when the pooler opens a new physical server connection.
package backendauth

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/jackc/pgproto3/v2"

	"github.com/odypool/odypool/internal/config"
)

// Authenticator drives the backend side of the handshake. It has no state
// of its own — every call is independent, keyed on the server connection
// and route passed in.
type Authenticator struct{}

// Authenticate is called after the pooler has sent a StartupMessage to the
// backend and received the first Authentication* message (first). It
// resolves storage credentials, answers the challenge over fe, and waits
// for the server's follow-up.
//
// Returns (true, nil) on success. A follow-up to a sent PasswordMessage that
// is neither AuthenticationOk nor ErrorResponse returns (true, nil) as well —
// this is bug-compatible with the original implementation, which logs
// "incorrect authentication flow" but does not treat it as an error; see
// DESIGN.md.
func (Authenticator) Authenticate(fe *pgproto3.Frontend, route *config.TenantConfig, first pgproto3.BackendMessage) (bool, error) {
	switch msg := first.(type) {
	case *pgproto3.AuthenticationOk:
		return true, nil

	case *pgproto3.AuthenticationCleartextPassword:
		_, password, err := ResolveCredentials(route)
		if err != nil {
			return false, err
		}
		if err := fe.Send(&pgproto3.PasswordMessage{Password: password}); err != nil {
			return false, fmt.Errorf("sending cleartext password: %w", err)
		}

	case *pgproto3.AuthenticationMD5Password:
		user, password, err := ResolveCredentials(route)
		if err != nil {
			return false, err
		}
		hashed := ComputeMD5Password(user, password, msg.Salt)
		if err := fe.Send(&pgproto3.PasswordMessage{Password: hashed}); err != nil {
			return false, fmt.Errorf("sending md5 password: %w", err)
		}

	default:
		return false, fmt.Errorf("unsupported authentication method: %T", first)
	}

	return awaitFollowUp(fe)
}

func awaitFollowUp(fe *pgproto3.Frontend) (bool, error) {
	msg, err := fe.Receive()
	if err != nil {
		return false, fmt.Errorf("reading server auth follow-up: %w", err)
	}
	switch m := msg.(type) {
	case *pgproto3.AuthenticationOk:
		return true, nil
	case *pgproto3.ErrorResponse:
		slog.Error("backend auth error", "subsystem", "auth", "code", m.Code, "message", m.Message)
		return false, fmt.Errorf("backend auth error: %s", m.Message)
	default:
		slog.Warn("incorrect authentication flow", "subsystem", "auth", "type", fmt.Sprintf("%T", msg))
		return true, nil
	}
}

// ResolveCredentials returns the user/password the pooler should present to
// the backend: storage credentials if the route defines them, else the
// route's own user/password. Returns an error if no password is available.
func ResolveCredentials(route *config.TenantConfig) (user, password string, err error) {
	user = route.StorageUser
	if user == "" {
		user = route.Username
	}
	password = route.StoragePassword
	if password == "" {
		password = route.Password
	}
	if password == "" {
		return "", "", fmt.Errorf("password required for route %q.%q", route.DBName, route.Username)
	}
	return user, password, nil
}

// ComputeMD5Password computes "md5" || hex(md5(md5(password||user)||salt)).
func ComputeMD5Password(user, password string, salt [4]byte) string {
	h1 := md5.Sum([]byte(password + user))
	hex1 := hex.EncodeToString(h1[:])
	h2 := md5.New()
	h2.Write([]byte(hex1))
	h2.Write(salt[:])
	return "md5" + hex.EncodeToString(h2.Sum(nil))
}
