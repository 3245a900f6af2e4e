// Package upgrade implements the post-switch protocol handlers handed a
// borrowed connection or stream after a successful 101 or extended
// CONNECT response.
package upgrade

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/gobwas/httphead"
	"github.com/gobwas/ws"

	"github.com/ternhq/tern/internal/core/domain"
)

const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

var ErrExtensionClosed = errors.New("extension is closed")

// NewHandshakeKey produces the random Sec-WebSocket-Key for an H1
// upgrade request.
func NewHandshakeKey() (string, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(nonce[:]), nil
}

// AcceptKey derives the expected Sec-WebSocket-Accept for a key.
func AcceptKey(key string) string {
	digest := sha1.Sum([]byte(key + websocketGUID))
	return base64.StdEncoding.EncodeToString(digest[:])
}

// ApplyHandshakeHeaders decorates an upgrade request with the RFC 6455
// handshake headers and returns the nonce key for verification.
func ApplyHandshakeHeaders(headers *domain.Headers, subprotocols []string) (string, error) {
	key, err := NewHandshakeKey()
	if err != nil {
		return "", err
	}
	headers.Set("Connection", "Upgrade")
	headers.Set("Upgrade", "websocket")
	headers.Set("Sec-WebSocket-Version", "13")
	headers.Set("Sec-WebSocket-Key", key)
	if len(subprotocols) > 0 {
		headers.Set("Sec-WebSocket-Protocol", strings.Join(subprotocols, ", "))
	}
	return key, nil
}

// VerifyHandshake checks a 101 response against the handshake key. The
// RFC 8441 path passes an empty key: extended CONNECT drops the
// key/accept exchange entirely.
func VerifyHandshake(head *domain.ResponseHead, key string) error {
	if key == "" {
		return nil
	}
	if !strings.EqualFold(head.Headers.Get("Upgrade"), "websocket") {
		return &domain.ProtocolViolationError{Reason: fmt.Sprintf("unexpected Upgrade token %q", head.Headers.Get("Upgrade"))}
	}
	if accept := head.Headers.Get("Sec-WebSocket-Accept"); accept != AcceptKey(key) {
		return &domain.ProtocolViolationError{Reason: "Sec-WebSocket-Accept mismatch"}
	}
	return nil
}

// NegotiatedProtocol parses the subprotocol the server selected.
func NegotiatedProtocol(head *domain.ResponseHead) string {
	value := head.Headers.Get("Sec-WebSocket-Protocol")
	if value == "" {
		return ""
	}
	var selected string
	httphead.ScanTokens([]byte(value), func(token []byte) bool {
		selected = string(token)
		return false
	})
	return selected
}

// message is one delivered payload or terminal error from the pump.
type message struct {
	payload []byte
	err     error
}

// WebSocket is the client-side extension over a borrowed byte stream:
// the raw connection after an H1 101, or an extended CONNECT stream on
// a multiplexed connection. Frames to the server are masked per the
// client role.
type WebSocket struct {
	rw      io.ReadWriteCloser
	onClose func()

	writeMu sync.Mutex

	pumpOnce sync.Once
	inbox    chan message

	closeOnce sync.Once
	closeErr  error
}

// NewWebSocket wraps a taken-over stream. onClose runs exactly once
// when the extension lets go of the stream, so the pool can reclaim or
// discard the connection.
func NewWebSocket(rw io.ReadWriteCloser, onClose func()) *WebSocket {
	return &WebSocket{
		rw:      rw,
		onClose: onClose,
		inbox:   make(chan message, 1),
	}
}

// pump reads frames off the stream, answering pings and delivering data
// payloads in order.
func (w *WebSocket) pump() {
	defer close(w.inbox)
	for {
		frame, err := ws.ReadFrame(w.rw)
		if err != nil {
			w.inbox <- message{err: err}
			return
		}

		switch frame.Header.OpCode {
		case ws.OpPing:
			pong := ws.NewPongFrame(frame.Payload)
			w.writeMu.Lock()
			err = ws.WriteFrame(w.rw, ws.MaskFrameInPlace(pong))
			w.writeMu.Unlock()
			if err != nil {
				w.inbox <- message{err: err}
				return
			}
		case ws.OpPong:
			// unsolicited or answering our ping; either way ignored
		case ws.OpClose:
			w.inbox <- message{err: io.EOF}
			return
		case ws.OpText, ws.OpBinary:
			w.inbox <- message{payload: frame.Payload}
		case ws.OpContinuation:
			// fragmentation is rare on the paths this client serves;
			// deliver fragments as-is
			w.inbox <- message{payload: frame.Payload}
		}
	}
}

// NextPayload blocks for the next data message.
func (w *WebSocket) NextPayload(ctx context.Context) ([]byte, error) {
	w.pumpOnce.Do(func() { go w.pump() })

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-w.inbox:
		if !ok {
			return nil, ErrExtensionClosed
		}
		return msg.payload, msg.err
	}
}

// SendPayload writes one text message to the peer.
func (w *WebSocket) SendPayload(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame := ws.NewTextFrame(payload)
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return ws.WriteFrame(w.rw, ws.MaskFrameInPlace(frame))
}

// Ping sends a protocol-level ping; the pump swallows the pong.
func (w *WebSocket) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame := ws.NewPingFrame(nil)
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return ws.WriteFrame(w.rw, ws.MaskFrameInPlace(frame))
}

// Close performs the closing handshake best-effort, releases the byte
// stream and notifies the pool.
func (w *WebSocket) Close() error {
	w.closeOnce.Do(func() {
		frame := ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		w.writeMu.Lock()
		_ = ws.WriteFrame(w.rw, ws.MaskFrameInPlace(frame))
		w.writeMu.Unlock()

		w.closeErr = w.rw.Close()
		if w.onClose != nil {
			w.onClose()
		}
	})
	return w.closeErr
}
