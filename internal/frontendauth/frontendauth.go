// Package frontendauth implements the frontend authentication state machine
// (spec §4.1): the pooler's side of the handshake with a connecting client,
// dispatched on the route's AuthMode.
package frontendauth

import (
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/odypool/odypool/internal/clientpool"
	"github.com/odypool/odypool/internal/config"
	"github.com/odypool/odypool/internal/wire"
)

// errAuthQueryFailed marks a resolvePassword failure as originating from
// the auth_query path, so callers can surface the spec's distinct
// invalid_authorization_specification error instead of treating it as a
// wrong password.
var errAuthQueryFailed = errors.New("auth_query failed")

// AuthQuerier resolves a client's password by running the route's
// configured auth_query against a borrowed backend connection (spec §4.3).
// It returns the stored password exactly as the query returns it — callers
// decide how to compare it (MD5 path trims a trailing NUL; cleartext does
// not, per the original's behavior confirmed in DESIGN.md).
type AuthQuerier interface {
	LookupPassword(ctx context.Context, route *config.TenantConfig, user string) (string, error)
}

// CertVerifier checks a client's TLS certificate common name against a
// route's allow-list.
type CertVerifier interface {
	VerifyCommonName(client *clientpool.Client) (string, bool)
}

// Authenticator drives the frontend side of the handshake.
type Authenticator struct {
	AuthQuery AuthQuerier
	Certs     CertVerifier
}

// Authenticate runs client's route-assigned AuthMode to completion and, on
// success, writes the final AuthenticationOk. A non-nil error means the
// caller must close the connection; an ErrorResponse has already been sent
// to the client wherever that's possible.
func (a *Authenticator) Authenticate(ctx context.Context, client *clientpool.Client) error {
	route := client.Route
	var err error

	switch route.AuthMode {
	case config.AuthNone, "":
		// no challenge required

	case config.AuthBlock:
		slog.Warn("user blocked", "subsystem", "auth", "user", client.Startup.User)
		return a.reject(client, wire.CodeInvalidAuthorizationSpecification, "user blocked",
			fmt.Errorf("user %q is blocked", client.Startup.User))

	case config.AuthCleartext:
		err = a.cleartext(ctx, client)

	case config.AuthMD5:
		err = a.md5(ctx, client)

	case config.AuthCert:
		err = a.cert(client)

	default:
		err = fmt.Errorf("unsupported auth_mode %q", route.AuthMode)
	}

	if err != nil {
		return err
	}

	if err := wire.WriteAuthenticationOk(client.Backend); err != nil {
		return fmt.Errorf("writing AuthenticationOk: %w", err)
	}
	return nil
}

func (a *Authenticator) cleartext(ctx context.Context, client *clientpool.Client) error {
	route := client.Route

	expected, err := a.resolvePassword(ctx, route, client.Startup.User)
	if err != nil {
		return a.rejectResolveFailure(client, err)
	}

	if err := wire.WriteAuthenticationCleartextPassword(client.Backend); err != nil {
		return fmt.Errorf("requesting cleartext password: %w", err)
	}

	supplied, err := a.readPassword(client)
	if err != nil {
		return err
	}

	if !constantTimeEqual(supplied, expected) {
		return a.reject(client, wire.CodeInvalidPassword, "incorrect password",
			fmt.Errorf("incorrect password for user %q", client.Startup.User))
	}
	return nil
}

func (a *Authenticator) md5(ctx context.Context, client *clientpool.Client) error {
	route := client.Route

	rawPassword, err := a.resolvePassword(ctx, route, client.Startup.User)
	if err != nil {
		return a.rejectResolveFailure(client, err)
	}

	// When the password comes from an auth_query result it is stored
	// NUL-terminated; the trailing byte is trimmed here and only here,
	// matching od_auth_frontend_md5's query_password.password_len--.
	// A statically configured route.Password is used as-is.
	if route.AuthQuery != nil && len(rawPassword) > 0 && rawPassword[len(rawPassword)-1] == 0 {
		rawPassword = rawPassword[:len(rawPassword)-1]
	}

	salt := client.Salt()
	expected := computeMD5Password(client.Startup.User, rawPassword, salt)

	if err := wire.WriteAuthenticationMD5Password(client.Backend, salt); err != nil {
		return fmt.Errorf("requesting md5 password: %w", err)
	}

	supplied, err := a.readPassword(client)
	if err != nil {
		return err
	}

	if !constantTimeEqual(supplied, expected) {
		return a.reject(client, wire.CodeInvalidPassword, "incorrect password",
			fmt.Errorf("incorrect password for user %q", client.Startup.User))
	}
	return nil
}

// readPassword reads the client's PasswordMessage, distinguishing a
// transport failure (nothing left to write to) from a protocol framing
// error, which gets a protocol_violation ErrorResponse before returning.
func (a *Authenticator) readPassword(client *clientpool.Client) (string, error) {
	supplied, err := wire.ReadPasswordMessage(client.Backend)
	if err != nil {
		if wire.IsTransportError(err) {
			return "", fmt.Errorf("reading password message: %w", err)
		}
		_ = wire.WriteErrorResponse(client.Backend, "FATAL", wire.CodeProtocolViolation, "bad password message")
		return "", fmt.Errorf("reading password message: %w", err)
	}
	return supplied, nil
}

func (a *Authenticator) cert(client *clientpool.Client) error {
	if !client.Startup.IsSSLRequest {
		return a.reject(client, wire.CodeInvalidAuthorizationSpecification, "TLS connection required",
			fmt.Errorf("auth_mode cert requires a TLS connection for user %q", client.Startup.User))
	}
	if a.Certs == nil {
		return a.reject(client, wire.CodeInvalidAuthorizationSpecification, "no certificate verifier installed",
			fmt.Errorf("auth_mode cert configured for user %q but no certificate verifier installed", client.Startup.User))
	}
	cn, ok := a.Certs.VerifyCommonName(client)
	if !ok {
		return a.reject(client, wire.CodeInvalidPassword, "TLS certificate common name mismatch",
			fmt.Errorf("certificate common name %q not permitted for user %q", cn, client.Startup.User))
	}
	return nil
}

// resolvePassword returns the password to compare against: the route's
// static password, or the result of its auth_query when configured. A
// failure on the auth_query path is wrapped in errAuthQueryFailed so
// callers can surface it as an authorization error rather than a wrong
// password.
func (a *Authenticator) resolvePassword(ctx context.Context, route *config.TenantConfig, user string) (string, error) {
	if route.AuthQuery != nil {
		if a.AuthQuery == nil {
			return "", fmt.Errorf("%w: no querier installed", errAuthQueryFailed)
		}
		password, err := a.AuthQuery.LookupPassword(ctx, route, user)
		if err != nil {
			return "", fmt.Errorf("%w: %v", errAuthQueryFailed, err)
		}
		return password, nil
	}
	if route.Password == "" {
		return "", fmt.Errorf("no password or auth_query configured for user %q", user)
	}
	return route.Password, nil
}

// rejectResolveFailure surfaces a resolvePassword error to the client: an
// auth_query failure gets the spec's literal invalid_authorization_specification
// message, since it is not the client's credential that is wrong.
func (a *Authenticator) rejectResolveFailure(client *clientpool.Client, cause error) error {
	if errors.Is(cause, errAuthQueryFailed) {
		return a.reject(client, wire.CodeInvalidAuthorizationSpecification, "failed to make auth query", cause)
	}
	return a.reject(client, wire.CodeInvalidAuthorizationSpecification, "authentication not configured", cause)
}

func (a *Authenticator) reject(client *clientpool.Client, code, message string, cause error) error {
	_ = wire.WriteErrorResponse(client.Backend, "FATAL", code, message)
	return cause
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// computeMD5Password computes "md5" || hex(md5(md5(password||user)||salt)),
// matching the formula the backend side uses to answer the server's own
// MD5 challenge (see internal/backendauth.ComputeMD5Password).
func computeMD5Password(user, password string, salt [4]byte) string {
	h1 := md5.Sum([]byte(password + user))
	hex1 := hex.EncodeToString(h1[:])
	h2 := md5.New()
	h2.Write([]byte(hex1))
	h2.Write(salt[:])
	return "md5" + hex.EncodeToString(h2.Sum(nil))
}
