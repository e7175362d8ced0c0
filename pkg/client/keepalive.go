package client

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aeolun/chatcore/pkg/event"
	"github.com/aeolun/chatcore/pkg/stanza"
)

// keepalive is owned by the Client actor. token invalidates timer callbacks
// that were already queued when the timer was replaced.
type keepalive struct {
	idle   *time.Timer
	pong   *time.Timer
	pingID string
	token  uint64
}

func (k *keepalive) stop() {
	k.token++
	if k.idle != nil {
		k.idle.Stop()
		k.idle = nil
	}
	if k.pong != nil {
		k.pong.Stop()
		k.pong = nil
	}
	k.pingID = ""
}

// _touch restarts the idle timer. Every inbound stanza counts as activity.
func (c *Client) _touch() {
	if c.status != event.StatusOnline {
		return
	}
	k := &c.keepalive
	k.token++
	token := k.token
	if k.idle != nil {
		k.idle.Stop()
	}
	k.idle = c.after(c.cfg.PingIdle, func() {
		c.Act(nil, func() { c._pingIdle(token) })
	})
}

func (c *Client) _pingIdle(token uint64) {
	k := &c.keepalive
	if token != k.token || c.status != event.StatusOnline || k.pingID != "" {
		return
	}
	id := "ping:" + uuid.NewString()
	ping := stanza.IQ(stanza.TypeGet, c.cfg.Host, id).
		Append(stanza.New("ping", stanza.A("xmlns", stanza.NSPing)))
	if err := c._write(ping); err != nil {
		c.log.WithError(err).Warn("Failed to send ping")
		return
	}
	k.pingID = id
	gen := c.gen
	k.pong = c.after(c.cfg.PongTimeout, func() {
		c.Act(nil, func() { c._pongTimeout(gen, id) })
	})
}

// _pong consumes the reply to our outstanding ping. An error reply still
// proves the stream is alive.
func (c *Client) _pong(s *stanza.Stanza) bool {
	k := &c.keepalive
	if k.pingID == "" || s.Name != "iq" || s.Attr("id") != k.pingID {
		return false
	}
	if typ := s.Attr("type"); typ != stanza.TypeResult && typ != stanza.TypeError {
		return false
	}
	k.pingID = ""
	if k.pong != nil {
		k.pong.Stop()
		k.pong = nil
	}
	return true
}

func (c *Client) _pongTimeout(gen uint64, id string) {
	if gen != c.gen || c.keepalive.pingID != id {
		return
	}
	c.metrics.RecordPingTimeout()
	c.log.WithField("id", id).Warn("Ping timed out")
	c._fail(gen, fmt.Errorf("%w: ping timeout", ErrConnection))
}

// _answerPing replies to a server ping.
func (c *Client) _answerPing(s *stanza.Stanza) bool {
	if s.Name != "iq" || s.Attr("type") != stanza.TypeGet || s.Child("ping", stanza.NSPing) == nil {
		return false
	}
	pong := stanza.IQ(stanza.TypeResult, s.Attr("from"), s.Attr("id"))
	if err := c._write(pong); err != nil {
		c.log.WithError(err).Debug("Failed to answer ping")
	}
	return true
}
