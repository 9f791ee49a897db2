package frontendauth

import (
	"crypto/tls"

	"github.com/odypool/odypool/internal/clientpool"
)

// CommonNameVerifier is the production CertVerifier: it inspects the peer
// certificate collected during the TLS handshake and checks its Subject
// Common Name against the route's allow-list (spec §4.1 cert step 2).
//
// client.Conn must be a *tls.Conn with a completed handshake and at least
// one verified peer certificate; this is the case whenever
// client.Startup.IsSSLRequest is true, since the proxy only sets that flag
// after negotiating TLS on the connection.
type CommonNameVerifier struct{}

// VerifyCommonName reports the peer certificate's CN and whether it is
// permitted for client's route: either it equals the route's user name
// (when AuthCommonNameDefault is set) or it appears in AllowedCommonNames.
func (CommonNameVerifier) VerifyCommonName(client *clientpool.Client) (string, bool) {
	tlsConn, ok := client.Conn.(*tls.Conn)
	if !ok {
		return "", false
	}

	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return "", false
	}
	cn := state.PeerCertificates[0].Subject.CommonName

	route := client.Route
	if route.AuthCommonNameDefault && cn == client.Startup.User {
		return cn, true
	}
	for _, allowed := range route.AllowedCommonNames {
		if cn == allowed {
			return cn, true
		}
	}
	return cn, false
}
