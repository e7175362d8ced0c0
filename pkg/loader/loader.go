// Package loader backfills room history in the background. On a fixed
// poll interval it picks the rooms whose cursors are below target and asks
// the client for one archive page each, a few rooms at a time.
package loader

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/aeolun/chatcore/pkg/event"
	"github.com/aeolun/chatcore/pkg/history"
)

// Source is the part of the client the loader drives. The loader never
// writes cursors; it only reads them.
type Source interface {
	Status() event.Status
	Cursors() *history.Cursors
	SendGetHistory(room string, max int, before, id string) (string, error)
}

// Config controls the backfill.
type Config struct {
	// Target is the number of messages a room should hold.
	Target       int
	PageSize     int
	BatchSize    int
	BatchDelay   time.Duration
	PollInterval time.Duration
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Target:       50,
		PageSize:     50,
		BatchSize:    5,
		BatchDelay:   time.Second,
		PollInterval: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Target <= 0 {
		c.Target = d.Target
	}
	if c.PageSize <= 0 {
		c.PageSize = d.PageSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = d.BatchDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}

// Loader schedules history queries.
type Loader struct {
	src     Source
	cfg     Config
	log     logrus.FieldLogger
	limiter *rate.Limiter

	mu        sync.Mutex
	processed map[string]bool
	paused    bool
	idle      bool

	wake chan struct{}
}

// New creates a Loader.
func New(src Source, cfg Config, log logrus.FieldLogger) *Loader {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Loader{
		src:       src,
		cfg:       cfg,
		log:       log.WithField("component", "loader"),
		limiter:   rate.NewLimiter(rate.Every(cfg.BatchDelay), 1),
		processed: make(map[string]bool),
		wake:      make(chan struct{}, 1),
	}
}

// Run polls until ctx is done.
func (l *Loader) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-l.wake:
		}
		if l.Idle() {
			continue
		}
		if _, err := l.Pass(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.log.WithError(err).Warn("History pass failed")
		}
	}
}

// Pass runs one scheduling pass and returns the number of rooms queried.
// It does nothing unless the client is online and the loader not paused.
func (l *Loader) Pass(ctx context.Context) (int, error) {
	if l.Paused() || l.src.Status() != event.StatusOnline {
		return 0, nil
	}

	type job struct {
		room   string
		before string
	}
	snapshot := l.src.Cursors().Snapshot()
	rooms := make([]string, 0, len(snapshot))
	for room := range snapshot {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)

	l.mu.Lock()
	var jobs []job
	for _, room := range rooms {
		cur := snapshot[room]
		if l.processed[room] || !cur.NeedsHistory(l.cfg.Target) {
			continue
		}
		jobs = append(jobs, job{room: room, before: cur.Oldest})
	}
	if len(jobs) == 0 {
		l.idle = true
		l.mu.Unlock()
		l.log.Debug("No rooms need history, poll stopped")
		return 0, nil
	}
	l.mu.Unlock()

	issued := 0
	for start := 0; start < len(jobs); start += l.cfg.BatchSize {
		end := min(start+l.cfg.BatchSize, len(jobs))
		if err := l.limiter.Wait(ctx); err != nil {
			return issued, err
		}
		if l.Paused() || l.src.Status() != event.StatusOnline {
			return issued, nil
		}

		batch := jobs[start:end]
		l.mu.Lock()
		for _, j := range batch {
			l.processed[j.room] = true
		}
		l.mu.Unlock()

		var g errgroup.Group
		for _, j := range batch {
			g.Go(func() error {
				id, err := l.src.SendGetHistory(j.room, l.cfg.PageSize, j.before, "")
				entry := l.log.WithField("room", j.room)
				switch {
				case errors.Is(err, history.ErrHistoryComplete):
					entry.Debug("History already complete")
				case err != nil:
					entry.WithError(err).Warn("History query not sent")
				default:
					entry.WithField("id", id).Debug("History query issued")
				}
				// a failed room stays processed until reset
				return nil
			})
		}
		g.Wait()
		issued += len(batch)
	}
	return issued, nil
}

// SetPaused suspends or resumes scheduling, typically while the user is
// loading history by hand.
func (l *Loader) SetPaused(paused bool) {
	l.mu.Lock()
	l.paused = paused
	l.mu.Unlock()
	if !paused {
		l.Wake()
	}
}

// Paused reports whether scheduling is suspended.
func (l *Loader) Paused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

// Idle reports whether the poll stopped because no room needed history.
func (l *Loader) Idle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.idle
}

// Processed reports whether room was already queried since the last reset.
func (l *Loader) Processed(room string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.processed[room]
}

// Reset forgets that rooms were queried, or every room when none is given,
// and restarts the poll.
func (l *Loader) Reset(rooms ...string) {
	l.mu.Lock()
	if len(rooms) == 0 {
		l.processed = make(map[string]bool)
	}
	for _, room := range rooms {
		delete(l.processed, room)
	}
	l.mu.Unlock()
	l.Wake()
}

// Unmark re-admits one room to the next pass.
func (l *Loader) Unmark(room string) {
	l.Reset(room)
}

// Observe feeds client events back into scheduling. Coming online starts a
// fresh cycle over every room; a non-final archive page re-admits its room
// while the cursor is still short of target.
func (l *Loader) Observe(ev event.Event) {
	switch e := ev.(type) {
	case event.Online:
		l.Reset()
	case event.HistoryComplete:
		if e.Complete {
			return
		}
		if cur, ok := l.src.Cursors().Get(e.Room); ok && cur.NeedsHistory(l.cfg.Target) {
			l.log.WithFields(logrus.Fields{"room": e.Room, "loaded": cur.Loaded}).Debug("Room still needs history")
			l.Unmark(e.Room)
		}
	}
}

// Wake restarts a stopped poll and runs a pass promptly.
func (l *Loader) Wake() {
	l.mu.Lock()
	l.idle = false
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}
