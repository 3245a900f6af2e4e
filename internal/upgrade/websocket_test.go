package upgrade

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternhq/tern/internal/core/domain"
)

func TestAcceptKeyMatchesRFC6455Vector(t *testing.T) {
	// The worked example from RFC 6455 §1.3.
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", AcceptKey("dGhlIHNhbXBsZSBub25jZQ=="))
}

func TestApplyHandshakeHeaders(t *testing.T) {
	headers := domain.NewHeaders()
	key, err := ApplyHandshakeHeaders(headers, []string{"chat", "superchat"})
	require.NoError(t, err)
	require.NotEmpty(t, key)

	assert.Equal(t, "Upgrade", headers.Get("Connection"))
	assert.Equal(t, "websocket", headers.Get("Upgrade"))
	assert.Equal(t, "13", headers.Get("Sec-WebSocket-Version"))
	assert.Equal(t, key, headers.Get("Sec-WebSocket-Key"))
	assert.Equal(t, "chat, superchat", headers.Get("Sec-WebSocket-Protocol"))
}

func head101(key string) *domain.ResponseHead {
	h := domain.NewHeaders()
	h.Set("Upgrade", "websocket")
	h.Set("Connection", "Upgrade")
	h.Set("Sec-WebSocket-Accept", AcceptKey(key))
	return &domain.ResponseHead{Status: 101, Protocol: domain.ProtocolH1, Headers: h}
}

func TestVerifyHandshake(t *testing.T) {
	key, err := NewHandshakeKey()
	require.NoError(t, err)

	assert.NoError(t, VerifyHandshake(head101(key), key))

	// Wrong accept value.
	bad := head101("some-other-key")
	var protoErr *domain.ProtocolViolationError
	assert.ErrorAs(t, VerifyHandshake(bad, key), &protoErr)

	// RFC 8441 path carries no key; verification is skipped.
	assert.NoError(t, VerifyHandshake(&domain.ResponseHead{Status: 200, Headers: domain.NewHeaders()}, ""))
}

type pipeStream struct {
	net.Conn
}

func (p pipeStream) Close() error { return p.Conn.Close() }

func TestWebSocketEcho(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	// Server side: echo every data frame back, unmasked (server role).
	go func() {
		for {
			data, op, err := wsutil.ReadClientData(server)
			if err != nil {
				return
			}
			if err := wsutil.WriteServerMessage(server, op, data); err != nil {
				return
			}
		}
	}()

	released := make(chan struct{})
	sock := NewWebSocket(pipeStream{client}, func() { close(released) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, sock.SendPayload(ctx, []byte("hi")))
	payload, err := sock.NextPayload(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(payload))

	require.NoError(t, sock.Close())
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("close hook never fired")
	}

	// Close is idempotent.
	assert.NoError(t, sock.Close())
}

func TestWebSocketAnswersServerPing(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	sock := NewWebSocket(pipeStream{client}, nil)

	// Prime the pump with a read that will be satisfied later.
	readCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := sock.NextPayload(ctx)
		readCh <- err
	}()

	require.NoError(t, ws.WriteFrame(server, ws.NewPingFrame([]byte("probe"))))

	frame, err := ws.ReadFrame(server)
	require.NoError(t, err)
	assert.Equal(t, ws.OpPong, frame.Header.OpCode)
	assert.True(t, frame.Header.Masked, "client frames must be masked")

	// Deliver a data frame so the pending read resolves.
	require.NoError(t, ws.WriteFrame(server, ws.NewTextFrame([]byte("done"))))
	assert.NoError(t, <-readCh)
}

func TestWebSocketServerCloseSurfacesEOF(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	sock := NewWebSocket(pipeStream{client}, nil)

	go func() {
		frame := ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "bye"))
		_ = ws.WriteFrame(server, frame)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := sock.NextPayload(ctx)
	assert.ErrorIs(t, err, io.EOF)
}
