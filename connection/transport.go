package connection

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/simbridge/errors"
)

// maxFrameSize bounds a single wire frame. Oversized frames indicate a
// corrupt length prefix, not a legitimate payload.
const maxFrameSize = 16 << 20

// Transport carries opaque wire frames to and from the training service.
// Implementations must support one concurrent reader and one concurrent
// writer; all calls happen inside the connection manager.
type Transport interface {
	// Send writes one frame.
	Send(data []byte) error
	// Receive blocks for the next frame.
	Receive() ([]byte, error)
	// Ping performs a transport-level liveness probe.
	Ping() error
	// Close tears the transport down. Safe to call concurrently with
	// Receive, which then returns an error.
	Close() error
}

// Dialer opens a Transport to an endpoint, presenting an access credential.
// The default is DialWebsocket; tests substitute in-memory transports.
type Dialer func(ctx context.Context, endpoint, credential string, tlsCfg *tls.Config) (Transport, error)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
)

// wsTransport is the production transport: one websocket binary message per
// wire frame.
type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// DialWebsocket opens a websocket connection, presenting the credential as a
// bearer Authorization header. A 401/403 handshake response surfaces as an
// AuthenticationError; every other failure is a ConnectError eligible for
// backoff retry.
func DialWebsocket(ctx context.Context, endpoint, credential string, tlsCfg *tls.Config) (Transport, error) {
	if credential == "" {
		return nil, &errors.AuthenticationError{
			Endpoint: endpoint,
			Err:      fmt.Errorf("access credential not set"),
		}
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
		TLSClientConfig:  tlsCfg,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)

	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &errors.AuthenticationError{
				Endpoint: endpoint,
				Err:      fmt.Errorf("service rejected credential: %s", resp.Status),
			}
		}
		return nil, &errors.ConnectError{Endpoint: endpoint, Err: err}
	}

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) Send(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *wsTransport) Receive() ([]byte, error) {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		// Text frames are tolerated for service diagnostics; the protocol
		// itself is binary.
		if msgType == websocket.BinaryMessage || msgType == websocket.TextMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) Ping() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (t *wsTransport) Close() error {
	t.writeMu.Lock()
	_ = t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout),
	)
	t.writeMu.Unlock()
	return t.conn.Close()
}

// streamTransport frames messages over a byte stream with a big-endian
// uint32 length prefix. It backs non-websocket deployments (and tests over
// net.Pipe).
type streamTransport struct {
	rw      io.ReadWriteCloser
	writeMu sync.Mutex
}

// NewStreamTransport wraps a byte stream in length-prefixed framing.
func NewStreamTransport(rw io.ReadWriteCloser) Transport {
	return &streamTransport{rw: rw}
}

func (t *streamTransport) Send(data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(data))
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := t.rw.Write(prefix[:]); err != nil {
		return err
	}
	_, err := t.rw.Write(data)
	return err
}

func (t *streamTransport) Receive() ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(t.rw, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame length %d exceeds limit", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(t.rw, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (t *streamTransport) Ping() error {
	// Zero-length frames serve as liveness probes on stream transports.
	return t.Send(nil)
}

func (t *streamTransport) Close() error {
	return t.rw.Close()
}
