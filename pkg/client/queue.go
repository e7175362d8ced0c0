package client

import (
	"context"
	"errors"

	"github.com/Arceliar/phony"
	"github.com/sirupsen/logrus"

	"github.com/aeolun/chatcore/pkg/event"
	"github.com/aeolun/chatcore/pkg/stanza"
)

// pending is one outbound stanza waiting in the send queue. The stanza is
// built when it is written, so it reflects state at send time.
type pending struct {
	id    string
	build func() *stanza.Stanza
}

// _enqueue appends to the send queue and wakes the drain loop.
func (c *Client) _enqueue(p pending) error {
	if c.closed {
		return ErrClosed
	}
	c.queue = append(c.queue, p)
	c.metrics.RecordQueueDepth(len(c.queue))
	c._kick()
	return nil
}

func (c *Client) _kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// QueueLen returns the number of stanzas waiting to be sent.
func (c *Client) QueueLen() int {
	var n int
	phony.Block(c, func() { n = len(c.queue) })
	return n
}

// drainLoop runs for the life of the client. It never drops a queued
// stanza; a failed drain leaves the queue intact for the next kick.
func (c *Client) drainLoop() {
	for {
		select {
		case <-c.quit:
			return
		case <-c.kick:
		}
		c.drain()
	}
}

func (c *Client) drain() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-c.quit:
			cancel()
		case <-ctx.Done():
		}
	}()
	defer cancel()

	if err := c.EnsureConnected(ctx, c.cfg.ConnectTimeout); err != nil {
		// _online kicks the loop again
		c.log.WithError(err).Debug("Send queue waiting for connection")
		return
	}

	for {
		var (
			more bool
			err  error
		)
		phony.Block(c, func() { more, err = c._sendNext() })
		if err != nil {
			if errors.Is(err, ErrNotConnected) {
				return
			}
			c.log.WithError(err).Warn("Send queue stalled")
			c.Act(nil, c._retryDrain)
			return
		}
		if !more {
			return
		}
	}
}

// _sendNext writes the head of the queue. The head is removed only after a
// successful write.
func (c *Client) _sendNext() (more bool, err error) {
	if c.status != event.StatusOnline {
		return false, ErrNotConnected
	}
	if len(c.queue) == 0 {
		return false, nil
	}
	p := c.queue[0]
	s := p.build()
	if s == nil {
		c.log.WithField("id", p.id).Warn("Dropping queued stanza that failed to build")
		c.queue = c.queue[1:]
		c.metrics.RecordQueueDepth(len(c.queue))
		return len(c.queue) > 0, nil
	}
	if err := c._write(s); err != nil {
		return false, err
	}
	c.queue = c.queue[1:]
	c.metrics.RecordQueueDepth(len(c.queue))
	c.log.WithFields(logrus.Fields{"id": p.id, "stanza": s.Name}).Debug("Sent queued stanza")
	return len(c.queue) > 0, nil
}

func (c *Client) _retryDrain() {
	c.after(c.cfg.QueueRetry, func() {
		c.Act(nil, func() {
			if c.status == event.StatusOnline && len(c.queue) > 0 {
				c._kick()
			}
		})
	})
}
