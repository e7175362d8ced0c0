package store

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/chatcore/pkg/model"
)

func messages(room string, from, to int) []model.Message {
	var out []model.Message
	for i := from; i < to; i++ {
		out = append(out, model.Message{
			ID:        fmt.Sprintf("m%03d", i),
			RoomJID:   room,
			From:      room + "/alice",
			Nick:      "alice",
			Body:      fmt.Sprintf("body %d", i),
			Timestamp: time.UnixMilli(int64(1700000000000 + i)),
			Type:      "groupchat",
		})
	}
	return out
}

// storeContract runs the behaviour every MessageStore shares.
func storeContract(t *testing.T, s MessageStore, window int) {
	t.Run("empty room", func(t *testing.T) {
		msgs, err := s.LoadMessages("none@conf")
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("window keeps newest in order", func(t *testing.T) {
		require.NoError(t, s.SaveMessages("r@conf", messages("r@conf", 0, window)))
		require.NoError(t, s.SaveMessages("r@conf", messages("r@conf", window, window+3)))

		msgs, err := s.LoadMessages("r@conf")
		require.NoError(t, err)
		require.Len(t, msgs, window)
		assert.Equal(t, "m003", msgs[0].ID)
		assert.Equal(t, fmt.Sprintf("m%03d", window+2), msgs[len(msgs)-1].ID)
		assert.Equal(t, "r@conf", msgs[0].RoomJID)
	})

	t.Run("same id replaces", func(t *testing.T) {
		edited := messages("e@conf", 0, 1)
		require.NoError(t, s.SaveMessages("e@conf", edited))
		edited[0].Body = "changed"
		edited[0].Edited = true
		edited[0].ReplaceID = "fix-1"
		require.NoError(t, s.SaveMessages("e@conf", edited))

		msgs, err := s.LoadMessages("e@conf")
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "changed", msgs[0].Body)
		assert.True(t, msgs[0].Edited)
		assert.Equal(t, "fix-1", msgs[0].ReplaceID)
	})

	t.Run("media and data survive", func(t *testing.T) {
		m := messages("m@conf", 0, 1)[0]
		m.Media = &model.Media{URL: "https://cdn/a.jpg", MimeType: "image/jpeg", Size: 99, Width: 4}
		m.Data = map[string]string{"fullName": "Alice"}
		m.History = true
		require.NoError(t, s.SaveMessages("m@conf", []model.Message{m}))

		msgs, err := s.LoadMessages("m@conf")
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, m.Media, msgs[0].Media)
		assert.Equal(t, m.Data, msgs[0].Data)
		assert.True(t, msgs[0].History)
		assert.Equal(t, m.Timestamp.UnixMilli(), msgs[0].Timestamp.UnixMilli())
	})
}

func TestMemoryStore(t *testing.T) {
	m := NewMemory(10, 0)
	storeContract(t, m, 10)
	assert.Equal(t, 3, m.Rooms())
}

func TestMemoryStoreLoadReturnsCopy(t *testing.T) {
	m := NewMemory(5, time.Minute)
	require.NoError(t, m.SaveMessages("r@conf", messages("r@conf", 0, 2)))

	got, _ := m.LoadMessages("r@conf")
	got[0].Body = "mutated"

	again, _ := m.LoadMessages("r@conf")
	assert.Equal(t, "body 0", again[0].Body)
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "cache", "messages.db"), 10)
	require.NoError(t, err)
	defer s.Close()

	storeContract(t, s, 10)
}

func TestSQLiteStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.db")

	s, err := OpenSQLite(path, 10)
	require.NoError(t, err)
	require.NoError(t, s.SaveMessages("r@conf", messages("r@conf", 0, 4)))
	require.NoError(t, s.Close())

	_, err = s.LoadMessages("r@conf")
	assert.ErrorIs(t, err, ErrClosed)

	s, err = OpenSQLite(path, 10)
	require.NoError(t, err)
	defer s.Close()
	msgs, err := s.LoadMessages("r@conf")
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
}

func TestSQLiteMigrationsApplyOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.db")

	migrations, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, "message", migrations[0].Name)

	for i := 0; i < 2; i++ {
		s, err := OpenSQLite(path, 10)
		require.NoError(t, err)

		version, err := currentVersion(s.db)
		require.NoError(t, err)
		assert.Equal(t, migrations[len(migrations)-1].Version, version)

		var applied int
		require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&applied))
		assert.Equal(t, len(migrations), applied)
		require.NoError(t, s.Close())
	}
}
