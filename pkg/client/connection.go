package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/Arceliar/phony"
	"github.com/sirupsen/logrus"

	"github.com/aeolun/chatcore/pkg/event"
	"github.com/aeolun/chatcore/pkg/handshake"
	"github.com/aeolun/chatcore/pkg/history"
	"github.com/aeolun/chatcore/pkg/model"
	"github.com/aeolun/chatcore/pkg/router"
	"github.com/aeolun/chatcore/pkg/stanza"
	"github.com/aeolun/chatcore/pkg/store"
)

// Credentials identify the account and the resource to bind.
type Credentials = handshake.Credentials

const (
	ensurePollInterval = 50 * time.Millisecond
	saveQueueSize      = 256
)

// Options are the collaborators of a Client. Every field is optional.
type Options struct {
	Dialer  Dialer
	Logger  logrus.FieldLogger
	Metrics *Metrics
	// Store receives every chat message and seeds room cursors on join.
	Store store.MessageStore
}

// Client is the connection manager. All of its state is owned by the
// embedded actor: transport frames, timer callbacks and public calls are
// all delivered through the inbox, one at a time. Methods prefixed with an
// underscore must only run inside the actor.
type Client struct {
	phony.Inbox

	cfg     Config
	dialer  Dialer
	log     logrus.FieldLogger
	metrics *Metrics
	store   store.MessageStore
	cursors *history.Cursors
	router  *router.Router
	events  chan event.Event
	saves   chan saveJob

	status     event.Status
	creds      Credentials
	hasCreds   bool
	jid        string
	machine    *handshake.Machine
	transport  Transport
	gen        uint64
	cancelDial context.CancelFunc
	connTimer  *time.Timer
	reconnect  reconnectState
	keepalive  keepalive
	queue      []pending
	inflight   map[string]*request
	rooms      map[string]string // joined room -> our nick
	closed     bool

	kick chan struct{}
	quit chan struct{}

	after func(time.Duration, func()) *time.Timer
	now   func() time.Time
}

// saveJob carries either new messages or corrections for one room.
type saveJob struct {
	room  string
	msgs  []model.Message
	edits []event.Edit
}

// New creates a Client. It does not connect.
func New(cfg Config, opts Options) *Client {
	cfg = cfg.withDefaults()
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &WebSocketDialer{HandshakeTimeout: cfg.ConnectTimeout, Logger: log, Metrics: metrics}
	}

	cursors := history.NewCursors()
	c := &Client{
		cfg:      cfg,
		dialer:   dialer,
		log:      log.WithField("component", "client"),
		metrics:  metrics,
		store:    opts.Store,
		cursors:  cursors,
		router:   router.New(cursors, log),
		events:   make(chan event.Event, cfg.EventBuffer),
		inflight: make(map[string]*request),
		rooms:    make(map[string]string),
		kick:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		after:    time.AfterFunc,
		now:      time.Now,
		reconnect: reconnectState{
			backoff: Backoff{Base: cfg.ReconnectBase, Cap: cfg.ReconnectCap},
			max:     cfg.MaxOfflineAttempts,
			after:   time.AfterFunc,
		},
	}
	if c.store != nil {
		c.saves = make(chan saveJob, saveQueueSize)
		go c.saveLoop(c.saves)
	}
	go c.drainLoop()
	return c
}

// Events returns the event stream. It is closed by Close.
func (c *Client) Events() <-chan event.Event { return c.events }

// Cursors returns the per-room history cursors. Callers must treat them as
// read-only.
func (c *Client) Cursors() *history.Cursors { return c.cursors }

// Status returns the current connection status.
func (c *Client) Status() event.Status {
	var s event.Status
	phony.Block(c, func() { s = c.status })
	return s
}

// JID returns the bound JID of the current session, empty while offline.
func (c *Client) JID() string {
	var j string
	phony.Block(c, func() { j = c.jid })
	return j
}

// Connect starts connecting with creds and returns without waiting for the
// session. While a connection attempt is in progress it does nothing. ctx
// bounds only the dial of this attempt.
func (c *Client) Connect(ctx context.Context, creds Credentials) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var err error
	phony.Block(c, func() { err = c._connect(ctx, creds) })
	return err
}

func (c *Client) _connect(ctx context.Context, creds Credentials) error {
	if c.closed {
		return ErrClosed
	}
	if c.status == event.StatusConnecting {
		return nil
	}
	if c.transport != nil {
		// replacing a live session
		c._releaseAll(ErrNotConnected)
		c.router.Reset()
	}
	c._teardown()
	c.reconnect.cancel()
	c.creds = creds
	c.hasCreds = true

	gen := c.gen
	c.machine = handshake.New(c.cfg.Host, creds, c.log)
	c._setStatus(event.StatusConnecting, nil)
	c.log.WithField("url", c.cfg.URL).Info("Connecting")

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	c.cancelDial = cancel
	c.connTimer = c.after(c.cfg.ConnectTimeout, func() {
		c.Act(nil, func() {
			if gen == c.gen && c.status == event.StatusConnecting {
				c._fail(gen, ErrConnectionTimeout)
			}
		})
	})

	go func() {
		t, err := c.dialer.Dial(dialCtx, c.cfg.URL)
		c.Act(nil, func() { c._dialed(gen, t, err) })
	}()
	return nil
}

func (c *Client) _dialed(gen uint64, t Transport, err error) {
	if gen != c.gen || c.closed {
		if t != nil {
			t.Close()
		}
		return
	}
	if err != nil {
		c.log.WithError(err).Warn("Connection failed")
		if errors.Is(err, context.DeadlineExceeded) {
			c._fail(gen, ErrConnectionTimeout)
			return
		}
		c._fail(gen, fmt.Errorf("%w: %v", ErrConnection, err))
		return
	}
	c.transport = t
	go c.readLoop(gen, t)
	c._applyHandshake(gen, c.machine.Start())
}

// readLoop delivers frames to the actor one at a time, in order.
func (c *Client) readLoop(gen uint64, t Transport) {
	for text := range t.Incoming() {
		phony.Block(c, func() { c._frame(gen, text) })
	}
	err := t.Err()
	if err == nil {
		err = errors.New("transport closed")
	}
	c.Act(nil, func() { c._fail(gen, fmt.Errorf("%w: %v", ErrConnection, err)) })
}

// _frame handles one text frame, which may hold several stanzas. A
// malformed stanza discards the rest of its frame.
func (c *Client) _frame(gen uint64, text string) {
	if gen != c.gen {
		return
	}
	dec := stanza.NewDecoder(strings.NewReader(text))
	for gen == c.gen {
		s, err := dec.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			c.metrics.RecordParseError()
			c.log.WithError(err).Warn("Discarding malformed frame")
			return
		}
		c._handle(gen, s)
	}
}

func (c *Client) _handle(gen uint64, s *stanza.Stanza) {
	c.metrics.RecordStanzaReceived(s.Name)
	c._touch()

	if c.status != event.StatusOnline || streamLevel(s) {
		c._applyHandshake(gen, c.machine.Handle(s))
		return
	}
	if c._answerPing(s) || c._pong(s) {
		return
	}

	kinds, evs := c.router.Route(s)
	if kinds.Has(router.KindHistoryFin) {
		c._finished(s)
	}
	c._persist(evs)
	for _, ev := range evs {
		c._emit(ev)
	}
}

// streamLevel reports whether s belongs to the stream rather than to a
// session. A top-level <error> is always a stream error.
func streamLevel(s *stanza.Stanza) bool {
	switch s.Name {
	case "open", "stream", "close", "features", "error":
		return true
	}
	return false
}

func (c *Client) _applyHandshake(gen uint64, res handshake.Result) {
	if c.machine != nil {
		c.metrics.RecordHandshakeState(c.machine.State())
	}
	for _, s := range res.Send {
		if err := c._write(s); err != nil {
			c._fail(gen, err)
			return
		}
	}
	switch {
	case res.Err != nil:
		c._fail(gen, res.Err)
	case res.Closed:
		c._fail(gen, fmt.Errorf("%w: stream closed by server", ErrConnection))
	case res.Online:
		c._online(res.JID)
	}
}

func (c *Client) _online(jid string) {
	if c.connTimer != nil {
		c.connTimer.Stop()
		c.connTimer = nil
	}
	c.jid = jid
	c.reconnect.attempts = 0
	c.reconnect.paused = false
	c._setStatus(event.StatusOnline, nil)
	c._emit(event.Online{JID: jid})
	c.log.WithField("jid", jid).Info("Online")
	c._touch()

	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	for _, room := range rooms {
		nick := c.rooms[room]
		c.router.Joining(room, nick)
		if err := c._write(joinPresence(room, nick, c.now())); err != nil {
			c.log.WithError(err).WithField("room", room).Warn("Failed to rejoin room")
		}
	}
	c._kick()
}

// _fail ends the connection attempt gen and applies the reconnect policy.
func (c *Client) _fail(gen uint64, err error) {
	if gen != c.gen || c.status == event.StatusOffline || c.status == event.StatusError {
		return
	}
	wasOnline := c.status == event.StatusOnline

	var se *handshake.StreamError
	replaced := errors.As(err, &se) && se.Replaced()

	c._teardown()
	c._releaseAll(ErrNotConnected)
	c.router.Reset()

	status := event.StatusError
	if wasOnline || replaced {
		status = event.StatusOffline
	}
	c.log.WithError(err).WithField("replaced", replaced).Warn("Disconnected")
	c._setStatus(status, err)
	c._emit(event.Disconnected{Err: err, Replaced: replaced})

	if replaced {
		c.reconnect.suppress = true
	}
	c._scheduleReconnect()
}

// _teardown closes the transport and cancels connection timers. Every
// callback of the old connection is invalidated by the generation bump.
func (c *Client) _teardown() {
	c.gen++
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	if c.connTimer != nil {
		c.connTimer.Stop()
		c.connTimer = nil
	}
	c.keepalive.stop()
	if c.transport != nil {
		c.transport.Close()
		c.transport = nil
	}
	if c.machine != nil {
		c.machine.Reset()
	}
	c.jid = ""
}

// Disconnect closes the connection without reconnecting. Queued stanzas
// are kept for the next connection.
func (c *Client) Disconnect() {
	phony.Block(c, func() {
		if c.status == event.StatusOffline && c.transport == nil {
			c.reconnect.cancel()
			return
		}
		c.log.Info("Disconnecting")
		if c.transport != nil {
			c._write(handshake.Close())
		}
		c._teardown()
		c.reconnect.cancel()
		c._releaseAll(ErrNotConnected)
		c.router.Reset()
		c._setStatus(event.StatusOffline, nil)
		c._emit(event.Disconnected{})
	})
}

// Close shuts the client down permanently and closes the event stream.
func (c *Client) Close() {
	phony.Block(c, func() {
		if c.closed {
			return
		}
		if c.transport != nil {
			c._write(handshake.Close())
		}
		c._teardown()
		c.reconnect.cancel()
		c._releaseAll(ErrClosed)
		c._setStatus(event.StatusOffline, nil)
		c.closed = true
		close(c.quit)
		close(c.events)
		if c.saves != nil {
			close(c.saves)
		}
	})
}

// EnsureConnected waits until the client is online. When it is offline it
// schedules a reconnect and fails with ErrNotConnected at once; while
// connecting it waits up to timeout.
func (c *Client) EnsureConnected(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(ensurePollInterval)
	defer ticker.Stop()

	for first := true; ; first = false {
		var (
			st     event.Status
			closed bool
		)
		phony.Block(c, func() {
			st, closed = c.status, c.closed
			if first && (st == event.StatusOffline || st == event.StatusError) {
				c._scheduleReconnect()
			}
		})
		switch {
		case closed:
			return ErrClosed
		case st == event.StatusOnline:
			return nil
		case st == event.StatusOffline || st == event.StatusError:
			if first {
				return ErrNotConnected
			}
			return ErrConnection
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrConnectionTimeout
		case <-ticker.C:
		}
	}
}

// _write serializes s onto the current transport.
func (c *Client) _write(s *stanza.Stanza) error {
	if c.transport == nil {
		return ErrNotConnected
	}
	text := s.String()
	if err := c.transport.Send(text); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	c.metrics.RecordStanzaSent(s.Name, len(text))
	return nil
}

func (c *Client) _setStatus(s event.Status, err error) {
	if c.status == s {
		return
	}
	c.status = s
	c._emit(event.StatusChanged{Status: s, Err: err})
}

// _emit publishes ev without blocking. A consumer that falls behind loses
// events rather than stalling the connection.
func (c *Client) _emit(ev event.Event) {
	if c.closed {
		return
	}
	c.metrics.RecordEvent(ev.Kind())
	select {
	case c.events <- ev:
	default:
		c.metrics.RecordEventDropped()
		c.log.WithField("event", ev.Kind()).Warn("Event stream full, dropping event")
	}
}

// _persist hands routed chat messages and corrections to the store worker,
// grouped by room in arrival order.
func (c *Client) _persist(evs []event.Event) {
	if c.saves == nil {
		return
	}
	var jobs []saveJob
	last := func(room string, edit bool) *saveJob {
		if n := len(jobs); n > 0 && jobs[n-1].room == room && (len(jobs[n-1].edits) > 0) == edit {
			return &jobs[n-1]
		}
		jobs = append(jobs, saveJob{room: room})
		return &jobs[len(jobs)-1]
	}
	for _, ev := range evs {
		switch e := ev.(type) {
		case event.ChatMessage:
			if e.Message.RoomJID != "" {
				job := last(e.Message.RoomJID, false)
				job.msgs = append(job.msgs, e.Message)
			}
		case event.Edit:
			if e.Room != "" {
				job := last(e.Room, true)
				job.edits = append(job.edits, e)
			}
		}
	}
	for _, job := range jobs {
		select {
		case c.saves <- job:
		default:
			c.log.WithField("room", job.room).Warn("Store busy, message not cached")
		}
	}
}

func (c *Client) saveLoop(jobs <-chan saveJob) {
	for job := range jobs {
		if len(job.edits) > 0 {
			c.applyEdits(job)
			continue
		}
		if err := c.store.SaveMessages(job.room, job.msgs); err != nil {
			c.log.WithError(err).WithField("room", job.room).Warn("Failed to cache messages")
		}
	}
}

// applyEdits rewrites cached messages that were corrected. Corrections of
// messages outside the cached window are dropped.
func (c *Client) applyEdits(job saveJob) {
	log := c.log.WithField("room", job.room)
	cached, err := c.store.LoadMessages(job.room)
	if err != nil {
		log.WithError(err).Warn("Failed to load cached messages")
		return
	}
	var changed []model.Message
	for _, e := range job.edits {
		if m, ok := model.ApplyEdit(cached, e.MessageID, e.ID, e.Body); ok {
			changed = append(changed, m)
		}
	}
	if len(changed) == 0 {
		return
	}
	if err := c.store.SaveMessages(job.room, changed); err != nil {
		log.WithError(err).Warn("Failed to cache corrections")
	}
}
