package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/chatcore/pkg/client"
	"github.com/aeolun/chatcore/pkg/event"
	"github.com/aeolun/chatcore/pkg/model"
)

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512B", formatBytes(512))
	assert.Equal(t, "1.0KB", formatBytes(1024))
	assert.Equal(t, "1.5MB", formatBytes(1536*1024))
}

func TestFormatRelativeTime(t *testing.T) {
	now := time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "just now", formatRelativeTime(now.Add(-30*time.Second), now))
	assert.Equal(t, "5m ago", formatRelativeTime(now.Add(-5*time.Minute), now))
	assert.Equal(t, "2h ago", formatRelativeTime(now.Add(-2*time.Hour), now))
	assert.Equal(t, "3d ago", formatRelativeTime(now.Add(-72*time.Hour), now))
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a@conf", "b@conf"}, splitList(" a@conf, ,b@conf,"))
	assert.Empty(t, splitList(""))
}

func TestLoaderConfigFromFile(t *testing.T) {
	cfg := loaderConfig(client.DefaultTOMLConfig().History)
	assert.Equal(t, 50, cfg.Target)
	assert.Equal(t, 5, cfg.BatchSize)
	assert.Equal(t, time.Second, cfg.BatchDelay)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
}

func TestRender(t *testing.T) {
	msg := event.ChatMessage{Message: model.Message{
		RoomJID:   "r@conf",
		Nick:      "bob",
		Body:      "hello",
		Timestamp: time.Now(),
	}}
	line := render(msg)
	assert.Contains(t, line, "r@conf")
	assert.Contains(t, line, "bob:")
	assert.Contains(t, line, "hello")

	media := msg
	media.Message.Media = &model.Media{URL: "https://cdn/a.png", MimeType: "image/png", Size: 2048}
	assert.Contains(t, render(media), "[image/png 2.0KB] https://cdn/a.png")

	assert.Contains(t, render(event.Disconnected{Replaced: true}), "replaced")
	assert.Empty(t, render(event.Disconnected{}))
	assert.Empty(t, render(event.Composing{Room: "r@conf"}))
	assert.Contains(t, render(event.HistoryComplete{Room: "r@conf", Complete: true}), "start of history")
}

func TestResetConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[connection\n"), 0644))
	_, err := client.LoadClientConfig(path)
	require.Error(t, err)

	log, hook := logtest.NewNullLogger()
	require.NoError(t, resetConfig(path, log))
	assert.Equal(t, "Config reset to defaults", hook.LastEntry().Message)

	cfg, err := client.LoadClientConfig(path)
	require.NoError(t, err)
	assert.Equal(t, client.DefaultTOMLConfig().Connection.URL, cfg.Connection.URL)
}
