// Package wire is the thin codec layer the authentication state machines
// write through. It wraps github.com/jackc/pgproto3/v2 so that every
// message the core sends or reads is a typed struct, not a hand-assembled
// byte slice.
package wire

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/jackc/pgproto3/v2"
)

// SQLSTATE codes used by the authentication state machines.
const (
	CodeProtocolViolation                 = "08P01"
	CodeInvalidPassword                   = "28P01"
	CodeInvalidAuthorizationSpecification = "28000"
)

// WriteAuthenticationOk writes the final AuthenticationOk to a client.
func WriteAuthenticationOk(be *pgproto3.Backend) error {
	return be.Send(&pgproto3.AuthenticationOk{})
}

// WriteAuthenticationCleartextPassword requests a cleartext password from
// the client.
func WriteAuthenticationCleartextPassword(be *pgproto3.Backend) error {
	return be.Send(&pgproto3.AuthenticationCleartextPassword{})
}

// WriteAuthenticationMD5Password requests an MD5-hashed password, carrying
// the 4-byte salt the client must mix in.
func WriteAuthenticationMD5Password(be *pgproto3.Backend, salt [4]byte) error {
	return be.Send(&pgproto3.AuthenticationMD5Password{Salt: salt})
}

// WriteErrorResponse writes an ErrorResponse to the client with the given
// severity, SQLSTATE code, and message.
func WriteErrorResponse(be *pgproto3.Backend, severity, code, message string) error {
	return be.Send(&pgproto3.ErrorResponse{
		Severity: severity,
		Code:     code,
		Message:  message,
	})
}

// ReadPasswordMessage reads messages from the client until a PasswordMessage
// arrives, discarding (and debug-logging) anything else. Framing or I/O
// errors abort the loop and are returned as-is.
func ReadPasswordMessage(be *pgproto3.Backend) (string, error) {
	for {
		msg, err := be.Receive()
		if err != nil {
			return "", err
		}
		pm, ok := msg.(*pgproto3.PasswordMessage)
		if !ok {
			slog.Debug("discarding message while awaiting password", "subsystem", "auth", "type", fmt.Sprintf("%T", msg))
			continue
		}
		return pm.Password, nil
	}
}

// WritePasswordMessage sends a PasswordMessage to a backend server.
func WritePasswordMessage(fe *pgproto3.Frontend, password string) error {
	return fe.Send(&pgproto3.PasswordMessage{Password: password})
}

// IsTransportError reports whether err represents a socket-level failure
// (as opposed to a protocol framing error), which matters because a
// transport failure means there is no socket left to write an
// ErrorResponse to.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
