// Package authquery implements the auth-query subroutine (spec §4.3): a
// short-lived borrow of a backend connection to look up a client's stored
// password via a configured SQL query.
package authquery

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgproto3/v2"

	"github.com/odypool/odypool/internal/config"
)

// Borrower lends out a physical backend connection for the duration of an
// auth-query lookup and takes it back afterward. pool.Manager implements
// this so authquery never has to know how connections are pooled.
type Borrower interface {
	BorrowAuthQueryConn(ctx context.Context, route *config.TenantConfig) (net.Conn, func(), error)
}

// Querier runs a route's configured auth_query and returns the password it
// finds, via a borrowed connection.
type Querier struct {
	Borrower Borrower
}

// LookupPassword borrows a connection, runs route.AuthQuery.Query with user
// substituted for its single parameter, and releases the connection before
// returning — on every exit path, including errors.
func (q *Querier) LookupPassword(ctx context.Context, route *config.TenantConfig, user string) (string, error) {
	if route.AuthQuery == nil {
		return "", fmt.Errorf("route has no auth_query configured")
	}

	conn, release, err := q.Borrower.BorrowAuthQueryConn(ctx, route)
	if err != nil {
		return "", fmt.Errorf("borrowing auth_query connection: %w", err)
	}
	defer release()

	fe := pgproto3.NewFrontend(pgproto3.NewChunkReader(conn), conn)

	query := substituteParam(route.AuthQuery.Query, user)
	if err := fe.Send(&pgproto3.Query{String: query}); err != nil {
		return "", fmt.Errorf("sending auth_query: %w", err)
	}

	var password string
	var found bool
	for {
		msg, err := fe.Receive()
		if err != nil {
			return "", fmt.Errorf("reading auth_query response: %w", err)
		}
		switch m := msg.(type) {
		case *pgproto3.DataRow:
			if len(m.Values) > 0 && !found {
				password = string(m.Values[0])
				found = true
			}
		case *pgproto3.ErrorResponse:
			return "", fmt.Errorf("auth_query failed: %s", m.Message)
		case *pgproto3.ReadyForQuery:
			if !found {
				return "", fmt.Errorf("auth_query returned no rows for user %q", user)
			}
			return password, nil
		}
	}
}

// substituteParam replaces the query's single $1 placeholder with user,
// single-quote escaped, matching the original's manual SQL substitution —
// this runs over an operator-authored query string against a pooler-trusted
// connection, not arbitrary client input.
func substituteParam(query, user string) string {
	escaped := strings.ReplaceAll(user, "'", "''")
	return strings.ReplaceAll(query, "$1", "'"+escaped+"'")
}
