package loader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/chatcore/pkg/event"
	"github.com/aeolun/chatcore/pkg/history"
)

type query struct {
	room   string
	max    int
	before string
}

type fakeSource struct {
	mu      sync.Mutex
	status  event.Status
	cursors *history.Cursors
	queries []query
	err     error
	// onQuery, when set, plays the server's answer to each query
	onQuery func(query)
}

func newFakeSource() *fakeSource {
	return &fakeSource{status: event.StatusOnline, cursors: history.NewCursors()}
}

func (f *fakeSource) Status() event.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeSource) setStatus(s event.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = s
}

func (f *fakeSource) Cursors() *history.Cursors { return f.cursors }

func (f *fakeSource) SendGetHistory(room string, max int, before, id string) (string, error) {
	q := query{room: room, max: max, before: before}
	f.mu.Lock()
	f.queries = append(f.queries, q)
	err, answer := f.err, f.onQuery
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	if answer != nil {
		answer(q)
	}
	return "get-history:1", nil
}

func (f *fakeSource) rooms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, q := range f.queries {
		out = append(out, q.room)
	}
	sort.Strings(out)
	return out
}

func testConfig() Config {
	return Config{
		Target:       50,
		PageSize:     25,
		BatchSize:    3,
		BatchDelay:   time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}
}

func newLoader(src Source) *Loader {
	log, _ := logtest.NewNullLogger()
	return New(src, testConfig(), log)
}

func TestPassSkipsSatisfiedRooms(t *testing.T) {
	src := newFakeSource()
	src.cursors.Seed("needs@conf", 0, "")
	src.cursors.Seed("full@conf", 60, "m60")
	src.cursors.Seed("complete@conf", 0, "")
	src.cursors.ApplyFin("complete@conf", history.Fin{Complete: true, First: "a", Last: "b", Count: 10})
	src.cursors.Seed("empty@conf", 0, "")
	src.cursors.ApplyFin("empty@conf", history.Fin{Complete: false, Count: 0})

	l := newLoader(src)
	n, err := l.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"needs@conf"}, src.rooms())
	assert.Equal(t, 25, src.queries[0].max)
}

func TestPassPagesFromOldest(t *testing.T) {
	src := newFakeSource()
	src.cursors.Seed("r@conf", 3, "1700000000000-old")

	l := newLoader(src)
	_, err := l.Pass(context.Background())
	require.NoError(t, err)
	require.Len(t, src.queries, 1)
	assert.Equal(t, "1700000000000-old", src.queries[0].before)
}

func TestPassRequiresOnline(t *testing.T) {
	for _, st := range []event.Status{event.StatusOffline, event.StatusConnecting, event.StatusError} {
		src := newFakeSource()
		src.setStatus(st)
		src.cursors.Seed("r@conf", 0, "")

		l := newLoader(src)
		n, err := l.Pass(context.Background())
		require.NoError(t, err)
		assert.Zero(t, n, st.String())
		assert.False(t, l.Idle(), "offline must not stop the poll")
	}
}

func TestPassPaused(t *testing.T) {
	src := newFakeSource()
	src.cursors.Seed("r@conf", 0, "")

	l := newLoader(src)
	l.SetPaused(true)
	n, _ := l.Pass(context.Background())
	assert.Zero(t, n)

	l.SetPaused(false)
	n, _ = l.Pass(context.Background())
	assert.Equal(t, 1, n)
}

func TestProcessedUntilReset(t *testing.T) {
	src := newFakeSource()
	src.cursors.Seed("a@conf", 0, "")
	src.cursors.Seed("b@conf", 0, "")

	l := newLoader(src)
	n, _ := l.Pass(context.Background())
	assert.Equal(t, 2, n)
	assert.True(t, l.Processed("a@conf"))

	n, _ = l.Pass(context.Background())
	assert.Zero(t, n)
	assert.True(t, l.Idle())

	l.Unmark("a@conf")
	assert.False(t, l.Idle())
	n, _ = l.Pass(context.Background())
	assert.Equal(t, 1, n)

	l.Reset()
	n, _ = l.Pass(context.Background())
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a@conf", "a@conf", "a@conf", "b@conf", "b@conf"}, src.rooms())
}

func TestFailedQueryStaysProcessed(t *testing.T) {
	src := newFakeSource()
	src.err = errors.New("duplicate")
	src.cursors.Seed("r@conf", 0, "")

	l := newLoader(src)
	n, err := l.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, l.Processed("r@conf"))
}

func TestBatches(t *testing.T) {
	src := newFakeSource()
	var want []string
	for _, r := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		room := r + "@conf"
		src.cursors.Seed(room, 0, "")
		want = append(want, room)
	}

	l := newLoader(src)
	n, err := l.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, want, src.rooms())
}

func TestPassStopsWhenOfflineBetweenBatches(t *testing.T) {
	src := newFakeSource()
	for _, r := range []string{"a", "b", "c", "d"} {
		src.cursors.Seed(r+"@conf", 0, "")
	}
	cfg := testConfig()
	cfg.BatchDelay = 50 * time.Millisecond
	log, _ := logtest.NewNullLogger()
	l := New(src, cfg, log)

	go func() {
		time.Sleep(10 * time.Millisecond)
		src.setStatus(event.StatusOffline)
	}()
	n, err := l.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.False(t, l.Processed("d@conf"))
}

func TestRunPollsAndStops(t *testing.T) {
	src := newFakeSource()
	src.cursors.Seed("r@conf", 0, "")

	l := newLoader(src)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return len(src.rooms()) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, l.Idle, time.Second, 5*time.Millisecond)

	// a newly tracked room is picked up after a reset
	src.cursors.Seed("s@conf", 0, "")
	l.Reset("s@conf")
	require.Eventually(t, func() bool { return len(src.rooms()) == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func (f *fakeSource) queried() []query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]query(nil), f.queries...)
}

func TestRunPagesUntilTarget(t *testing.T) {
	src := newFakeSource()
	src.cursors.Seed("busy@conf", 0, "")
	log, _ := logtest.NewNullLogger()
	l := New(src, Config{
		Target:       30,
		PageSize:     10,
		BatchSize:    1,
		BatchDelay:   time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}, log)

	// every answer is a full page that is not the start of the archive
	src.onQuery = func(q query) {
		n := len(src.queried())
		oldest := fmt.Sprintf("m%d", n*10)
		src.cursors.AddLoaded(q.room, q.max, oldest)
		src.cursors.ApplyFin(q.room, history.Fin{Count: 100, First: oldest, Last: "m1"})
		l.Observe(event.HistoryComplete{Room: q.room, Count: 100, First: oldest})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	require.Eventually(t, func() bool {
		cur, _ := src.cursors.Get("busy@conf")
		return cur.Loaded == 30 && l.Idle()
	}, 2*time.Second, 5*time.Millisecond)

	qs := src.queried()
	require.Len(t, qs, 3)
	assert.Equal(t, []string{"", "m10", "m20"}, []string{qs[0].before, qs[1].before, qs[2].before})
}

func TestObserveIgnoresFinishedRooms(t *testing.T) {
	src := newFakeSource()
	src.cursors.Seed("done@conf", 10, "m10")
	src.cursors.ApplyFin("done@conf", history.Fin{Complete: true, Count: 10, First: "m10"})
	src.cursors.Seed("short@conf", 5, "m5")
	l := newLoader(src)

	n, err := l.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, l.Processed("short@conf"))

	l.Observe(event.HistoryComplete{Room: "done@conf", Complete: true})
	l.Observe(event.HistoryComplete{Room: "unknown@conf"})
	assert.True(t, l.Processed("short@conf"))

	l.Observe(event.HistoryComplete{Room: "short@conf"})
	assert.False(t, l.Processed("short@conf"))

	_, err = l.Pass(context.Background())
	require.NoError(t, err)
	assert.True(t, l.Processed("short@conf"))
	l.Observe(event.Online{JID: "me@example.com/res"})
	assert.False(t, l.Processed("short@conf"))
}
