package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Arceliar/phony"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/chatcore/pkg/event"
	"github.com/aeolun/chatcore/pkg/stanza"
	"github.com/aeolun/chatcore/pkg/store"
)

const (
	testHost = "example.com"
	testRoom = "room@conf.example.com"
	boundJID = "alice@example.com/test"
)

var testCreds = Credentials{Username: "alice", Password: "secret", Resource: "test"}

// fakeTransport is an in-memory Transport. The server goroutine owns the
// incoming channel and closes it when the transport ends.
type fakeTransport struct {
	in     chan string
	out    chan string
	inject chan string
	done   chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan string, 256),
		out:    make(chan string, 256),
		inject: make(chan string, 64),
		done:   make(chan struct{}),
	}
}

func (t *fakeTransport) Send(text string) error {
	select {
	case <-t.done:
		return errTransportClosed
	default:
	}
	select {
	case t.out <- text:
		return nil
	default:
		return errors.New("outgoing queue full")
	}
}

func (t *fakeTransport) Incoming() <-chan string { return t.in }
func (t *fakeTransport) Done() <-chan struct{}   { return t.done }

func (t *fakeTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *fakeTransport) Close() error {
	t.end(nil)
	return nil
}

func (t *fakeTransport) end(err error) {
	t.once.Do(func() {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		close(t.done)
	})
}

// fakeServer is a scripted XMPP-over-WebSocket server and the Dialer that
// reaches it.
type fakeServer struct {
	t *testing.T

	mu          sync.Mutex
	conns       []*fakeTransport
	received    [][]*stanza.Stanza // per connection, after authentication
	dialErr     error
	gate        chan struct{}
	failAuth    bool
	ignorePings bool
	onQuery     func(q *stanza.Stanza) []string
}

func newFakeServer(t *testing.T) *fakeServer {
	return &fakeServer{t: t}
}

func (s *fakeServer) Dial(ctx context.Context, url string) (Transport, error) {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dialErr != nil {
		s.conns = append(s.conns, nil)
		s.received = append(s.received, nil)
		return nil, s.dialErr
	}
	t := newFakeTransport()
	s.conns = append(s.conns, t)
	s.received = append(s.received, nil)
	go s.serve(len(s.conns)-1, t)
	return t, nil
}

func (s *fakeServer) serve(n int, t *fakeTransport) {
	defer close(t.in)
	authed := false
	for {
		var frames []string
		select {
		case <-t.done:
			return
		case text := <-t.inject:
			frames = []string{text}
		case text := <-t.out:
			st, err := stanza.Parse(text)
			if err != nil {
				s.t.Errorf("client sent malformed stanza %q: %v", text, err)
				continue
			}
			frames = s.reply(n, st, &authed)
		}
		for _, f := range frames {
			select {
			case t.in <- f:
			case <-t.done:
				return
			}
		}
	}
}

func (s *fakeServer) reply(n int, st *stanza.Stanza, authed *bool) []string {
	switch {
	case st.Name == "open":
		open := `<open xmlns='urn:ietf:params:xml:ns:xmpp-framing' id='stream-1' from='example.com' version='1.0'/>`
		if *authed {
			return []string{open + `<features xmlns='http://etherx.jabber.org/streams'><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'/></features>`}
		}
		return []string{open + `<features xmlns='http://etherx.jabber.org/streams'><mechanisms xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><mechanism>PLAIN</mechanism></mechanisms></features>`}

	case st.Name == "auth":
		raw, _ := base64.StdEncoding.DecodeString(st.Text)
		if s.failAuth || string(raw) != "\x00alice\x00secret" {
			return []string{`<failure xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><not-authorized/></failure>`}
		}
		*authed = true
		return []string{`<success xmlns='urn:ietf:params:xml:ns:xmpp-sasl'/>`}

	case st.Name == "iq" && st.Child("bind", stanza.NSBind) != nil:
		return []string{fmt.Sprintf(`<iq type='result' id='%s'><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'><jid>%s</jid></bind></iq>`, st.Attr("id"), boundJID)}

	case st.Name == "iq" && st.Child("session", stanza.NSSession) != nil:
		return []string{fmt.Sprintf(`<iq type='result' id='%s'/>`, st.Attr("id"))}
	}

	s.mu.Lock()
	s.received[n] = append(s.received[n], st)
	ignorePings, onQuery := s.ignorePings, s.onQuery
	s.mu.Unlock()

	switch {
	case st.Name == "iq" && st.Child("ping", stanza.NSPing) != nil && st.Attr("type") == stanza.TypeGet:
		if ignorePings {
			return nil
		}
		return []string{fmt.Sprintf(`<iq type='result' id='%s' from='example.com'/>`, st.Attr("id"))}
	case st.Name == "iq" && st.Child("query", stanza.NSMAM) != nil && onQuery != nil:
		return onQuery(st)
	}
	return nil
}

func (s *fakeServer) dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *fakeServer) current() *fakeTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[len(s.conns)-1]
}

// push delivers a frame from the server on the current connection.
func (s *fakeServer) push(text string) {
	s.current().inject <- text
}

// drop ends the current connection from the server side.
func (s *fakeServer) drop(err error) {
	s.current().end(err)
}

// sent returns what the client sent after authenticating on connection n
// that matches name.
func (s *fakeServer) sent(n int, name string) []*stanza.Stanza {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n >= len(s.received) {
		return nil
	}
	var out []*stanza.Stanza
	for _, st := range s.received[n] {
		if name == "" || st.Name == name {
			out = append(out, st)
		}
	}
	return out
}

// mamQueries returns every archive query sent on any connection.
func (s *fakeServer) mamQueries() []*stanza.Stanza {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*stanza.Stanza
	for _, conn := range s.received {
		for _, st := range conn {
			if st.Name == "iq" && st.Child("query", stanza.NSMAM) != nil {
				out = append(out, st)
			}
		}
	}
	return out
}

// recorder collects every event a client publishes.
type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func record(c *Client) *recorder {
	r := &recorder{}
	go func() {
		for ev := range c.Events() {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *recorder) all() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

func (r *recorder) count(kind string) int {
	n := 0
	for _, ev := range r.all() {
		if ev.Kind() == kind {
			n++
		}
	}
	return n
}

func (r *recorder) statuses() []event.Status {
	var out []event.Status
	for _, ev := range r.all() {
		if sc, ok := ev.(event.StatusChanged); ok {
			out = append(out, sc.Status)
		}
	}
	return out
}

func testConfig() Config {
	return Config{
		URL:                "wss://example.com/ws",
		ReconnectBase:      10 * time.Millisecond,
		ReconnectCap:       25 * time.Millisecond,
		MaxOfflineAttempts: 3,
		ConnectTimeout:     2 * time.Second,
		PingIdle:           time.Hour,
		PongTimeout:        time.Hour,
		RequestTimeout:     2 * time.Second,
		QueueRetry:         10 * time.Millisecond,
		EventBuffer:        1024,
	}
}

func newTestClient(t *testing.T, srv *fakeServer, mutate func(*Config), st store.MessageStore) (*Client, *recorder) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	log, _ := logtest.NewNullLogger()
	c := New(cfg, Options{Dialer: srv, Logger: log, Store: st})
	rec := record(c)
	t.Cleanup(c.Close)
	return c, rec
}

func waitOnline(t *testing.T, c *Client) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Status() == event.StatusOnline }, 2*time.Second, 5*time.Millisecond)
}

func connectOnline(t *testing.T, c *Client) {
	t.Helper()
	require.NoError(t, c.Connect(context.Background(), testCreds))
	waitOnline(t, c)
}

// inActor runs f on the client's actor.
func inActor(c *Client, f func()) {
	phony.Block(c, f)
}
