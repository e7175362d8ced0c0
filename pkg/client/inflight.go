package client

import (
	"context"
	"time"

	"github.com/Arceliar/phony"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/aeolun/chatcore/pkg/history"
	"github.com/aeolun/chatcore/pkg/stanza"
)

type historyResult struct {
	fin history.Fin
	err error
}

// request is one entry of the in-flight set.
type request struct {
	id      string
	room    string
	started time.Time
	timer   *time.Timer
	done    chan historyResult // nil when nobody waits
}

func (r *request) finish(res historyResult) {
	if r.timer != nil {
		r.timer.Stop()
	}
	if r.done != nil {
		select {
		case r.done <- res:
		default:
		}
	}
}

// SendGetHistory queues an archive query for room and returns its id. The
// query asks for at most max messages older than before; an empty before
// asks for the newest page. An empty id generates one.
//
// The id is registered before anything is queued, so a second call with
// an id still in flight fails with ErrDuplicateRequest and sends nothing.
func (c *Client) SendGetHistory(room string, max int, before, id string) (string, error) {
	var err error
	phony.Block(c, func() { id, err = c._sendGetHistory(room, max, before, id, nil) })
	return id, err
}

// FetchHistory queues an archive query and waits for its <fin>.
func (c *Client) FetchHistory(ctx context.Context, room string, max int, before string) (history.Fin, error) {
	done := make(chan historyResult, 1)
	var err error
	phony.Block(c, func() { _, err = c._sendGetHistory(room, max, before, "", done) })
	if err != nil {
		return history.Fin{}, err
	}
	select {
	case res := <-done:
		return res.fin, res.err
	case <-ctx.Done():
		return history.Fin{}, ctx.Err()
	}
}

func (c *Client) _sendGetHistory(room string, max int, before, id string, done chan historyResult) (string, error) {
	if c.closed {
		return "", ErrClosed
	}
	if room == "" || max <= 0 {
		return "", ErrInvalidStanza
	}
	if before != "" {
		if cur, ok := c.cursors.Get(room); ok && cur.HistoryComplete {
			c.metrics.RecordHistoryRequest("skipped")
			return "", ErrHistoryComplete
		}
	}
	if id == "" {
		id = history.NewQueryID(c.now()) + ":" + uuid.NewString()[:8]
	}
	if _, dup := c.inflight[id]; dup {
		c.metrics.RecordHistoryRequest("duplicate")
		return "", ErrDuplicateRequest
	}

	req := &request{id: id, room: room, started: c.now(), done: done}
	req.timer = c.after(c.cfg.RequestTimeout, func() {
		c.Act(nil, func() { c._expire(req) })
	})
	c.inflight[id] = req
	c.metrics.RecordInFlight(len(c.inflight))
	c.router.ExpectHistory(id, room)

	err := c._enqueue(pending{
		id: id,
		build: func() *stanza.Stanza {
			return history.BuildQuery(room, max, before, id)
		},
	})
	if err != nil {
		c._release(id, historyResult{err: err})
		return "", err
	}
	c.metrics.RecordHistoryRequest("sent")
	c.log.WithFields(logrus.Fields{"room": room, "id": id, "before": before}).Debug("History query queued")
	return id, nil
}

// InFlight reports whether id is awaiting its response.
func (c *Client) InFlight(id string) bool {
	var ok bool
	phony.Block(c, func() { _, ok = c.inflight[id] })
	return ok
}

func (c *Client) _release(id string, res historyResult) *request {
	req, ok := c.inflight[id]
	if !ok {
		return nil
	}
	delete(c.inflight, id)
	c.metrics.RecordInFlight(len(c.inflight))
	req.finish(res)
	return req
}

func (c *Client) _expire(req *request) {
	if c.inflight[req.id] != req {
		return
	}
	c._release(req.id, historyResult{err: ErrRequestTimeout})
	c.metrics.RecordHistoryRequest("timeout")
	c.log.WithFields(logrus.Fields{"room": req.room, "id": req.id}).Warn("History query timed out")
}

// _finished completes the in-flight entry answered by iq.
func (c *Client) _finished(iq *stanza.Stanza) {
	id := iq.Attr("id")
	req, ok := c.inflight[id]
	if !ok {
		return
	}
	fin, err := history.ParseFin(iq)
	c._release(id, historyResult{fin: fin, err: err})

	switch {
	case err != nil:
		c.metrics.RecordHistoryRequest("failed")
	case fin.Complete:
		c.metrics.RecordHistoryRequest("complete")
	default:
		c.metrics.RecordHistoryRequest("page")
	}
	c.metrics.RecordHistoryLatency(c.now().Sub(req.started).Seconds())
}

// _releaseAll fails every in-flight request, used on disconnect.
func (c *Client) _releaseAll(err error) {
	for id := range c.inflight {
		c._release(id, historyResult{err: err})
	}
}
