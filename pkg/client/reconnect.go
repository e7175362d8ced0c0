package client

import (
	"context"
	"time"

	"github.com/Arceliar/phony"
	"github.com/sirupsen/logrus"

	"github.com/aeolun/chatcore/pkg/event"
)

// Backoff is a linear reconnect delay capped at Cap.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the wait before reconnect attempt n (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base * time.Duration(attempt)
	if d > b.Cap || d/time.Duration(attempt) != b.Base {
		return b.Cap
	}
	return d
}

// reconnectState is owned by the Client actor.
type reconnectState struct {
	backoff  Backoff
	max      int
	attempts int
	timer    *time.Timer

	networkDown bool
	paused      bool
	// suppress skips the next schedule, set when another session replaced
	// ours so the two do not keep evicting each other.
	suppress bool

	after func(time.Duration, func()) *time.Timer
}

func (r *reconnectState) cancel() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// _scheduleReconnect arms the reconnect timer if the policy allows it.
func (c *Client) _scheduleReconnect() {
	r := &c.reconnect
	switch {
	case c.closed || !c.hasCreds:
		return
	case r.suppress:
		r.suppress = false
		c.log.Info("Not reconnecting: session was replaced")
		return
	case r.networkDown:
		c.log.Debug("Network unavailable, reconnect deferred")
		return
	case r.paused || r.timer != nil:
		return
	case c.status == event.StatusOnline || c.status == event.StatusConnecting:
		return
	}

	if r.attempts >= r.max {
		r.paused = true
		c.metrics.RecordReconnectPaused()
		c.log.WithField("attempt", r.attempts).Warn("Reconnect paused after too many failures")
		return
	}

	r.attempts++
	delay := r.backoff.Delay(r.attempts)
	c.metrics.RecordReconnectAttempt()
	c.log.WithFields(logrus.Fields{
		"attempt": r.attempts,
		"delay":   delay,
	}).Info("Scheduling reconnect")

	r.timer = r.after(delay, func() {
		c.Act(nil, func() {
			c.reconnect.timer = nil
			if c.closed || c.status == event.StatusOnline || c.status == event.StatusConnecting {
				return
			}
			c._connect(context.Background(), c.creds)
		})
	})
}

// SetNetworkAvailable tells the client whether the network is reachable.
// While it is not, no reconnect is scheduled; when it comes back the
// failure count is cleared and a reconnect is attempted.
func (c *Client) SetNetworkAvailable(up bool) {
	c.Act(nil, func() {
		r := &c.reconnect
		if !up {
			r.networkDown = true
			r.cancel()
			c.log.Info("Network unavailable")
			return
		}
		wasDown := r.networkDown
		r.networkDown = false
		r.paused = false
		r.attempts = 0
		if wasDown {
			c.log.Info("Network available")
		}
		c._scheduleReconnect()
	})
}

// Resume restarts reconnection after it paused.
func (c *Client) Resume() {
	c.Act(nil, func() {
		c.reconnect.paused = false
		c.reconnect.attempts = 0
		c._scheduleReconnect()
	})
}

// Paused reports whether automatic reconnection has given up.
func (c *Client) Paused() bool {
	var paused bool
	phony.Block(c, func() { paused = c.reconnect.paused })
	return paused
}
