package pool

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"testing"

	"golang.org/x/crypto/pbkdf2"
)

// writePGTestMsg writes a PG backend message: type byte, big-endian length
// (including itself), then payload.
func writePGTestMsg(conn net.Conn, msgType byte, payload []byte) {
	buf := make([]byte, 1+4+len(payload))
	buf[0] = msgType
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)+4))
	copy(buf[5:], payload)
	conn.Write(buf)
}

func uint32ToBE(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

func nullTermPair(key, value string) []byte {
	var buf []byte
	buf = append(buf, key...)
	buf = append(buf, 0)
	buf = append(buf, value...)
	buf = append(buf, 0)
	return buf
}

// mockHMACSHA256 and friends duplicate the standard SCRAM math so the mock
// backend below can verify the client's proof independently of whichever
// SCRAM client library produced it.
func mockHMACSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func mockSHA256Sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func mockXorBytes(a, b []byte) []byte {
	result := make([]byte, len(a))
	for i := range a {
		result[i] = a[i] ^ b[i]
	}
	return result
}

// mockSCRAMBackend simulates a PG backend that uses SCRAM-SHA-256 auth.
// It reads the startup message, then performs the full SCRAM exchange.
func mockSCRAMBackend(t *testing.T, conn net.Conn, user, password string) {
	t.Helper()

	// Read startup message
	lenBuf := make([]byte, 4)
	conn.Read(lenBuf)
	msgLen := int(binary.BigEndian.Uint32(lenBuf))
	body := make([]byte, msgLen-4)
	conn.Read(body)

	// Send AuthenticationSASL (type 10) with SCRAM-SHA-256
	var saslPayload []byte
	authType := make([]byte, 4)
	binary.BigEndian.PutUint32(authType, 10)
	saslPayload = append(saslPayload, authType...)
	saslPayload = append(saslPayload, "SCRAM-SHA-256"...)
	saslPayload = append(saslPayload, 0)
	saslPayload = append(saslPayload, 0) // terminator
	writePGTestMsg(conn, 'R', saslPayload)

	// Read SASLInitialResponse (password message 'p')
	typeBuf := make([]byte, 1)
	conn.Read(typeBuf)
	if typeBuf[0] != 'p' {
		t.Errorf("expected password message 'p', got %c", typeBuf[0])
		return
	}
	pLenBuf := make([]byte, 4)
	conn.Read(pLenBuf)
	pLen := int(binary.BigEndian.Uint32(pLenBuf)) - 4
	pPayload := make([]byte, pLen)
	conn.Read(pPayload)

	// Parse: mechanism\0 + int32(len) + client-first-message
	mechEnd := 0
	for mechEnd < len(pPayload) && pPayload[mechEnd] != 0 {
		mechEnd++
	}
	mechanism := string(pPayload[:mechEnd])
	if mechanism != "SCRAM-SHA-256" {
		t.Errorf("expected mechanism SCRAM-SHA-256, got %q", mechanism)
		return
	}

	cfmLenBytes := pPayload[mechEnd+1 : mechEnd+5]
	cfmLen := int(binary.BigEndian.Uint32(cfmLenBytes))
	clientFirstMsg := string(pPayload[mechEnd+5 : mechEnd+5+cfmLen])

	// Parse client-first-message: "n,,n=<user>,r=<nonce>"
	// Strip gs2-header "n,,"
	clientFirstBare := clientFirstMsg[3:]
	var clientNonce string
	for _, part := range strings.Split(clientFirstBare, ",") {
		if strings.HasPrefix(part, "r=") {
			clientNonce = part[2:]
		}
	}

	// Server generates its challenge
	serverNonce := clientNonce + "servernonce123"
	salt := []byte("randomsaltvalue!")
	iterations := 4096
	saltB64 := base64.StdEncoding.EncodeToString(salt)
	serverFirstMsg := fmt.Sprintf("r=%s,s=%s,i=%d", serverNonce, saltB64, iterations)

	// Send AuthenticationSASLContinue (type 11)
	var continuePayload []byte
	authType11 := make([]byte, 4)
	binary.BigEndian.PutUint32(authType11, 11)
	continuePayload = append(continuePayload, authType11...)
	continuePayload = append(continuePayload, serverFirstMsg...)
	writePGTestMsg(conn, 'R', continuePayload)

	// Read SASLResponse
	conn.Read(typeBuf)
	if typeBuf[0] != 'p' {
		t.Errorf("expected password message 'p' for SASL response, got %c", typeBuf[0])
		return
	}
	conn.Read(pLenBuf)
	pLen = int(binary.BigEndian.Uint32(pLenBuf)) - 4
	clientFinalMsg := make([]byte, pLen)
	conn.Read(clientFinalMsg)

	// Parse client-final-message: c=<binding>,r=<nonce>,p=<proof>
	clientFinalStr := string(clientFinalMsg)

	// Verify the client proof
	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte("n,,"))
	clientFinalWithoutProof := fmt.Sprintf("%s,r=%s", channelBinding, serverNonce)
	authMessage := clientFirstBare + "," + serverFirstMsg + "," + clientFinalWithoutProof

	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := mockHMACSHA256(saltedPassword, []byte("Client Key"))
	storedKey := mockSHA256Sum(clientKey)
	clientSignature := mockHMACSHA256(storedKey, []byte(authMessage))
	expectedProof := mockXorBytes(clientKey, clientSignature)
	expectedProofB64 := base64.StdEncoding.EncodeToString(expectedProof)

	if !strings.Contains(clientFinalStr, "p="+expectedProofB64) {
		t.Errorf("client proof mismatch.\ngot:  %s\nwant proof: %s", clientFinalStr, expectedProofB64)
		// Send error
		var errPayload []byte
		errPayload = append(errPayload, 'S')
		errPayload = append(errPayload, "FATAL"...)
		errPayload = append(errPayload, 0)
		errPayload = append(errPayload, 'M')
		errPayload = append(errPayload, "authentication failed"...)
		errPayload = append(errPayload, 0, 0)
		writePGTestMsg(conn, 'E', errPayload)
		return
	}

	// Compute server signature and send AuthenticationSASLFinal (type 12)
	serverKey := mockHMACSHA256(saltedPassword, []byte("Server Key"))
	serverSig := mockHMACSHA256(serverKey, []byte(authMessage))
	serverFinal := "v=" + base64.StdEncoding.EncodeToString(serverSig)

	var finalPayload []byte
	authType12 := make([]byte, 4)
	binary.BigEndian.PutUint32(authType12, 12)
	finalPayload = append(finalPayload, authType12...)
	finalPayload = append(finalPayload, serverFinal...)
	writePGTestMsg(conn, 'R', finalPayload)

	// Send AuthenticationOk
	writePGTestMsg(conn, 'R', uint32ToBE(0))

	// Send ParameterStatus + BackendKeyData + ReadyForQuery
	writePGTestMsg(conn, 'S', nullTermPair("server_version", "16.0"))
	bkd := make([]byte, 8)
	binary.BigEndian.PutUint32(bkd[:4], 9999)
	binary.BigEndian.PutUint32(bkd[4:], 8888)
	writePGTestMsg(conn, 'K', bkd)
	writePGTestMsg(conn, 'Z', []byte{'I'})
}

func TestSCRAMSHA256AuthSuccess(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	tp := &TenantPool{
		tenantID: "test",
		dbType:   "postgres",
		poolMode: "transaction",
		username: "scramuser",
		password: "scrampass",
		dbname:   "testdb",
	}

	pc := NewPooledConn(client, "test", "postgres", tp)

	go mockSCRAMBackend(t, server, "scramuser", "scrampass")

	err := tp.authenticatePG(pc)
	if err != nil {
		t.Fatalf("authenticatePG with SCRAM failed: %v", err)
	}

	if !pc.IsAuthenticated() {
		t.Error("expected connection to be authenticated")
	}
	if pc.BackendPID() != 9999 {
		t.Errorf("expected backendPID=9999, got %d", pc.BackendPID())
	}
	if pc.BackendKey() != 8888 {
		t.Errorf("expected backendKey=8888, got %d", pc.BackendKey())
	}
	params := pc.ServerParams()
	if params["server_version"] != "16.0" {
		t.Errorf("expected server_version=16.0, got %q", params["server_version"])
	}
}

func TestSCRAMSHA256WrongPassword(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	tp := &TenantPool{
		tenantID: "test",
		dbType:   "postgres",
		poolMode: "transaction",
		username: "scramuser",
		password: "wrongpass",
		dbname:   "testdb",
	}

	pc := NewPooledConn(client, "test", "postgres", tp)

	// Mock backend that rejects auth after the SASL exchange
	go mockSCRAMBackendReject(t, server)

	err := tp.authenticatePG(pc)
	if err == nil {
		t.Fatal("expected authenticatePG to fail with wrong password")
	}
}

// mockSCRAMBackendReject simulates a PG backend that starts a SCRAM exchange
// but then sends an ErrorResponse instead of SASLFinal (as PG does for wrong password).
func mockSCRAMBackendReject(t *testing.T, conn net.Conn) {
	t.Helper()

	// Read startup message
	lenBuf := make([]byte, 4)
	conn.Read(lenBuf)
	msgLen := int(binary.BigEndian.Uint32(lenBuf))
	body := make([]byte, msgLen-4)
	conn.Read(body)

	// Send AuthenticationSASL (type 10)
	var saslPayload []byte
	authType := make([]byte, 4)
	binary.BigEndian.PutUint32(authType, 10)
	saslPayload = append(saslPayload, authType...)
	saslPayload = append(saslPayload, "SCRAM-SHA-256"...)
	saslPayload = append(saslPayload, 0, 0)
	writePGTestMsg(conn, 'R', saslPayload)

	// Read SASLInitialResponse
	typeBuf := make([]byte, 1)
	conn.Read(typeBuf)
	pLenBuf := make([]byte, 4)
	conn.Read(pLenBuf)
	pLen := int(binary.BigEndian.Uint32(pLenBuf)) - 4
	pPayload := make([]byte, pLen)
	conn.Read(pPayload)

	// Send SASLContinue with a challenge whose nonce extends the client's
	// nonce, so the client accepts it and goes on to send its proof.
	clientFirst := string(pPayload)
	clientNonce := clientFirst[strings.LastIndex(clientFirst, "r=")+2:]
	salt := base64.StdEncoding.EncodeToString([]byte("salt1234salt5678"))
	serverFirstMsg := fmt.Sprintf("r=%sservernonce,s=%s,i=4096", clientNonce, salt)

	var continuePayload []byte
	authType11 := make([]byte, 4)
	binary.BigEndian.PutUint32(authType11, 11)
	continuePayload = append(continuePayload, authType11...)
	continuePayload = append(continuePayload, serverFirstMsg...)
	writePGTestMsg(conn, 'R', continuePayload)

	// Read SASLResponse (client proof)
	conn.Read(typeBuf)
	conn.Read(pLenBuf)
	pLen = int(binary.BigEndian.Uint32(pLenBuf)) - 4
	resp := make([]byte, pLen)
	conn.Read(resp)

	// Send ErrorResponse (authentication failed)
	var errPayload []byte
	errPayload = append(errPayload, 'S')
	errPayload = append(errPayload, "FATAL"...)
	errPayload = append(errPayload, 0)
	errPayload = append(errPayload, 'M')
	errPayload = append(errPayload, "password authentication failed"...)
	errPayload = append(errPayload, 0, 0)
	writePGTestMsg(conn, 'E', errPayload)
}

func TestParseSASLMechanisms(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want []string
	}{
		{
			name: "single mechanism",
			data: append([]byte("SCRAM-SHA-256"), 0, 0),
			want: []string{"SCRAM-SHA-256"},
		},
		{
			name: "two mechanisms",
			data: append(append([]byte("SCRAM-SHA-256"), 0), append([]byte("SCRAM-SHA-256-PLUS"), 0, 0)...),
			want: []string{"SCRAM-SHA-256", "SCRAM-SHA-256-PLUS"},
		},
		{
			name: "empty",
			data: []byte{0},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseSASLMechanisms(tt.data)
			if len(got) != len(tt.want) {
				t.Errorf("parseSASLMechanisms() = %v, want %v", got, tt.want)
				return
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("parseSASLMechanisms()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestContainsMechanism(t *testing.T) {
	mechs := []string{"SCRAM-SHA-256", "SCRAM-SHA-256-PLUS"}
	if !containsMechanism(mechs, "SCRAM-SHA-256") {
		t.Error("expected SCRAM-SHA-256 to be found")
	}
	if containsMechanism(mechs, "PLAIN") {
		t.Error("did not expect PLAIN to be found")
	}
}
