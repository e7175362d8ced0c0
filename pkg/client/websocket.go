package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/aeolun/chatcore/pkg/stanza"
)

// Subprotocol is the WebSocket subprotocol for XMPP (RFC 7395).
const Subprotocol = "xmpp"

const (
	defaultHandshakeTimeout = 10 * time.Second
	outgoingQueueSize       = 100
	incomingQueueSize       = 100
	writeWait               = 10 * time.Second
	// flushWait bounds how long a local close waits for queued frames
	flushWait = time.Second
)

var errTransportClosed = errors.New("transport closed")

// WebSocketDialer opens XMPP transports with gorilla/websocket.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	Logger           logrus.FieldLogger
	Metrics          *Metrics
}

// Dial connects to a ws:// or wss:// endpoint.
func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string) (Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", rawURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: timeout,
		ReadBufferSize:   1048576, // 1MB
		WriteBufferSize:  1048576, // 1MB
		Subprotocols:     []string{Subprotocol},
	}

	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		// Improve error message for common TLS/handshake issues
		if strings.Contains(err.Error(), "bad handshake") {
			if u.Scheme == "wss" {
				return nil, fmt.Errorf("TLS handshake failed - server may not support WSS (try ws:// instead): %w", err)
			}
			return nil, fmt.Errorf("handshake failed - server may require WSS/TLS (try wss:// instead): %w", err)
		}
		return nil, err
	}
	if ws.Subprotocol() != Subprotocol {
		ws.Close()
		return nil, fmt.Errorf("server did not accept the %q subprotocol", Subprotocol)
	}
	ws.SetReadLimit(stanza.MaxStanzaSize)

	log := d.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return newWSTransport(ws, log.WithField("component", "websocket"), d.Metrics), nil
}

// wsTransport runs one reader and one writer goroutine over a websocket.
type wsTransport struct {
	ws      *websocket.Conn
	log     logrus.FieldLogger
	metrics *Metrics

	incoming   chan string
	outgoing   chan string
	done       chan struct{}
	writerDone chan struct{}

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

func newWSTransport(ws *websocket.Conn, log logrus.FieldLogger, metrics *Metrics) *wsTransport {
	t := &wsTransport{
		ws:       ws,
		log:      log,
		metrics:  metrics,
		incoming:   make(chan string, incomingQueueSize),
		outgoing:   make(chan string, outgoingQueueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	go t.readLoop()
	go t.writeLoop()
	return t
}

// Send queues text for the write loop.
func (t *wsTransport) Send(text string) error {
	select {
	case <-t.done:
		return errTransportClosed
	default:
	}
	select {
	case t.outgoing <- text:
		return nil
	case <-t.done:
		return errTransportClosed
	default:
		return fmt.Errorf("outgoing queue full")
	}
}

func (t *wsTransport) Incoming() <-chan string { return t.incoming }

func (t *wsTransport) Done() <-chan struct{} { return t.done }

func (t *wsTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close ends the transport without recording an error. Frames already
// queued by Send are written first.
func (t *wsTransport) Close() error {
	return t.shutdown(nil)
}

func (t *wsTransport) shutdown(cause error) error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.err = cause
		t.mu.Unlock()
		close(t.done)
		if cause == nil {
			select {
			case <-t.writerDone:
			case <-time.After(2 * flushWait):
				t.log.Warn("Timed out flushing outgoing frames")
			}
		}
		err = t.ws.Close()
	})
	return err
}

// readLoop reads text frames from the connection
func (t *wsTransport) readLoop() {
	defer close(t.incoming)

	for {
		messageType, data, err := t.ws.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
				// Local close
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					t.log.Info("Connection closed by server")
				} else {
					t.log.WithError(err).Warn("Read error")
				}
				t.shutdown(fmt.Errorf("read error: %w", err))
			}
			return
		}

		// XMPP framing only uses text messages
		if messageType != websocket.TextMessage {
			t.log.WithField("type", messageType).Debug("ignoring non-text frame")
			continue
		}
		if t.metrics != nil {
			t.metrics.RecordFrameReceived(len(data))
		}

		select {
		case t.incoming <- string(data):
		case <-t.done:
			return
		}
	}
}

// writeLoop sends queued frames to the connection
func (t *wsTransport) writeLoop() {
	defer close(t.writerDone)
	for {
		select {
		case text := <-t.outgoing:
			t.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.ws.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
				t.log.WithError(err).Warn("Write error")
				t.shutdown(fmt.Errorf("write error: %w", err))
				return
			}
		case <-t.done:
			if t.Err() == nil {
				t.flush()
			}
			return
		}
	}
}

// flush writes what is still queued after a local close, then says goodbye
// with a normal-closure control frame.
func (t *wsTransport) flush() {
	deadline := time.Now().Add(flushWait)
	t.ws.SetWriteDeadline(deadline)
	for {
		select {
		case text := <-t.outgoing:
			if err := t.ws.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
				t.log.WithError(err).Debug("Dropping queued frames on close")
				return
			}
		default:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := t.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
				t.log.WithError(err).Debug("Close frame not sent")
			}
			return
		}
	}
}
