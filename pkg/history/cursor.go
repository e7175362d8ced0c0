package history

import (
	"sort"
	"sync"
)

// Cursor is the backfill progress of one room.
type Cursor struct {
	Loaded          int
	HistoryComplete bool
	NoMessages      bool
	// Oldest is the id of the oldest message held, the anchor for the next
	// backward page.
	Oldest string
	// First, Last and Total echo the most recent <fin>.
	First string
	Last  string
	Total int
}

// NeedsHistory reports whether the room is below target and may still have
// older messages.
func (c Cursor) NeedsHistory(target int) bool {
	return c.Loaded < target && !c.NoMessages && !c.HistoryComplete
}

// Cursors holds the cursor of every tracked room, keyed by bare room JID.
//
// Writes happen only on the connection owner; the mutex lets the batch
// loader read concurrently.
type Cursors struct {
	mu    sync.RWMutex
	rooms map[string]Cursor
}

// NewCursors returns an empty set.
func NewCursors() *Cursors {
	return &Cursors{rooms: make(map[string]Cursor)}
}

// Get returns the cursor of room.
func (c *Cursors) Get(room string) (Cursor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cur, ok := c.rooms[room]
	return cur, ok
}

// Rooms returns the tracked rooms in sorted order.
func (c *Cursors) Rooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// Snapshot returns a copy of every cursor.
func (c *Cursors) Snapshot() map[string]Cursor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Cursor, len(c.rooms))
	for room, cur := range c.rooms {
		out[room] = cur
	}
	return out
}

// Seed starts tracking room with what the local cache already holds. An
// already tracked room only gains a larger loaded count.
func (c *Cursors) Seed(room string, loaded int, oldest string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.rooms[room]
	if loaded > cur.Loaded {
		cur.Loaded = loaded
		if oldest != "" {
			cur.Oldest = oldest
		}
	}
	if cur.Oldest == "" {
		cur.Oldest = oldest
	}
	c.rooms[room] = cur
}

// AddLoaded counts n more messages for room. oldest, when non-empty,
// replaces the pagination anchor.
func (c *Cursors) AddLoaded(room string, n int, oldest string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.rooms[room]
	cur.Loaded += n
	if n > 0 {
		cur.NoMessages = false
	}
	if oldest != "" {
		cur.Oldest = oldest
	}
	c.rooms[room] = cur
}

// ApplyFin records the end of an archive page. HistoryComplete never
// reverts once set.
func (c *Cursors) ApplyFin(room string, fin Fin) Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.rooms[room]
	cur.HistoryComplete = cur.HistoryComplete || fin.Complete
	cur.First = fin.First
	cur.Last = fin.Last
	cur.Total = fin.Count
	if fin.First != "" {
		cur.Oldest = fin.First
	}
	if fin.Count == 0 && fin.First == "" && cur.Loaded == 0 {
		cur.NoMessages = true
	}
	c.rooms[room] = cur
	return cur
}

// Forget stops tracking room.
func (c *Cursors) Forget(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, room)
}
