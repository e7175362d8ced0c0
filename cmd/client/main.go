package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/aeolun/chatcore/pkg/client"
	"github.com/aeolun/chatcore/pkg/event"
	"github.com/aeolun/chatcore/pkg/loader"
	"github.com/aeolun/chatcore/pkg/store"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

var (
	timeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	roomStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	nickStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	systemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Italic(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

func main() {
	// Command line flags
	configPath := flag.String("config", "~/.config/chatcore/config.toml", "Path to config file")
	serverURL := flag.String("url", "", "WebSocket endpoint, ws:// or wss:// (overrides config)")
	username := flag.String("user", "", "Account username")
	resource := flag.String("resource", "", "Resource to bind (overrides config)")
	rooms := flag.String("rooms", "", "Comma-separated list of rooms to join")
	nick := flag.String("nick", "", "Nickname in joined rooms (default: username)")
	cacheDB := flag.String("cache", "", "Path to the message cache database (overrides config)")
	metricsAddr := flag.String("metrics", "", "Serve Prometheus metrics on this address (e.g. localhost:9090)")
	resetCfg := flag.Bool("reset-config", false, "Back up the config file, rewrite it with defaults and exit")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("chatcore client %s\n", Version)
		os.Exit(0)
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000000"})

	if *resetCfg {
		if err := resetConfig(*configPath, log); err != nil {
			log.Fatalf("Failed to reset config: %v", err)
		}
		os.Exit(0)
	}

	// Load configuration (creates default if not found)
	config, err := client.LoadClientConfig(*configPath)
	if err != nil {
		var cfgErr *client.ConfigError
		if errors.As(err, &cfgErr) {
			log.Fatalf("Invalid config %s: %v (run with -reset-config to restore defaults)", cfgErr.Path, cfgErr)
		}
		log.Fatalf("Failed to load config: %v", err)
	}
	log.SetLevel(config.LogLevel())
	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}

	// Command-line flags override config file
	if *serverURL != "" {
		config.Connection.URL = *serverURL
	}
	if *resource != "" {
		config.Connection.Resource = *resource
	}
	if *cacheDB != "" {
		config.Local.CacheDB = *cacheDB
	}

	password := os.Getenv("CHATCORE_PASSWORD")
	if *username == "" || password == "" {
		log.Fatal("Both -user and the CHATCORE_PASSWORD environment variable are required")
	}
	if *nick == "" {
		*nick = *username
	}

	cachePath, err := config.GetCacheDBPath()
	if err != nil {
		log.Fatalf("Failed to resolve cache path: %v", err)
	}
	cache, err := store.OpenSQLite(cachePath, config.Local.CacheWindow)
	if err != nil {
		log.Fatalf("Failed to open message cache: %v", err)
	}
	defer cache.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if *metricsAddr != "" {
		go serveMetrics(log, *metricsAddr, reg)
	}

	c := client.New(config.ClientConfig(), client.Options{
		Logger:  log,
		Metrics: client.NewMetrics(reg),
		Store:   cache,
	})
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	creds := client.Credentials{
		Username: *username,
		Password: password,
		Resource: config.Connection.Resource,
	}
	log.WithFields(logrus.Fields{"url": config.Connection.URL, "cache": cachePath}).Info("Starting chatcore client")
	if err := c.Connect(ctx, creds); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}

	for _, room := range splitList(*rooms) {
		if _, err := c.SendPresenceInRoom(room, *nick); err != nil {
			log.WithError(err).WithField("room", room).Warn("Failed to join room")
		}
	}

	backfill := loader.New(c, loaderConfig(config.History), log)
	go func() {
		if err := backfill.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Warn("History loader stopped")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info("Shutting down")
			c.Disconnect()
			return
		case ev, ok := <-c.Events():
			if !ok {
				return
			}
			backfill.Observe(ev)
			if line := render(ev); line != "" {
				fmt.Println(line)
			}
		}
	}
}

// resetConfig rewrites the config file with defaults, keeping a dated backup
// of the old one.
func resetConfig(path string, log logrus.FieldLogger) error {
	if err := client.ResetConfigToDefault(path, true); err != nil {
		return err
	}
	log.WithField("path", path).Info("Config reset to defaults")
	return nil
}

func serveMetrics(log logrus.FieldLogger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	log.WithField("addr", addr).Info("Serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Error("Metrics server stopped")
	}
}

func loaderConfig(h client.HistorySection) loader.Config {
	return loader.Config{
		Target:       h.TargetCount,
		PageSize:     h.PageSize,
		BatchSize:    h.BatchSize,
		BatchDelay:   time.Duration(h.BatchDelayMillis) * time.Millisecond,
		PollInterval: time.Duration(h.PollIntervalSeconds) * time.Second,
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// render formats one event as a console line. Events without a useful
// rendering return "".
func render(ev event.Event) string {
	switch e := ev.(type) {
	case event.StatusChanged:
		if e.Err != nil {
			return errorStyle.Render(fmt.Sprintf("* %s: %v", e.Status, e.Err))
		}
		return systemStyle.Render("* " + e.Status.String())
	case event.Online:
		return systemStyle.Render("* online as " + e.JID)
	case event.Disconnected:
		if e.Replaced {
			return errorStyle.Render("* session replaced by another login, not reconnecting")
		}
		return ""
	case event.ChatMessage:
		m := e.Message
		stamp := m.Timestamp.Format("15:04:05")
		if m.History {
			stamp = formatRelativeTime(m.Timestamp, time.Now())
		}
		body := m.Body
		if m.Media != nil {
			body = fmt.Sprintf("[%s %s] %s", m.Media.MimeType, formatBytes(m.Media.Size), m.Media.URL)
		}
		return fmt.Sprintf("%s %s %s %s",
			timeStyle.Render(stamp),
			roomStyle.Render(m.RoomJID),
			nickStyle.Render(m.DisplayName()+":"),
			body)
	case event.Composing:
		if !e.Active {
			return ""
		}
		return systemStyle.Render(fmt.Sprintf("* %s: %s typing", e.Room, strings.Join(e.Names, ", ")))
	case event.Edit:
		return systemStyle.Render(fmt.Sprintf("* %s edited %s: %s", e.From, e.MessageID, e.Body))
	case event.Delete:
		return systemStyle.Render(fmt.Sprintf("* %s deleted %s", e.From, e.MessageID))
	case event.Reaction:
		return systemStyle.Render(fmt.Sprintf("* %s reacted %s to %s", e.From, strings.Join(e.Reactions, ""), e.MessageID))
	case event.RoomKick:
		verb := "kicked"
		if e.Ban {
			verb = "banned"
		}
		return errorStyle.Render(fmt.Sprintf("* %s was %s from %s", e.Nick, verb, e.Room))
	case event.Invite:
		return systemStyle.Render(fmt.Sprintf("* %s invited you to %s", e.From, e.Room))
	case event.HistoryComplete:
		if !e.Complete {
			return ""
		}
		return systemStyle.Render(fmt.Sprintf("* %s: start of history reached", e.Room))
	case event.RoomPresence:
		if !e.Self {
			return ""
		}
		if e.Available {
			return systemStyle.Render(fmt.Sprintf("* joined %s as %s", e.Room, e.Nick))
		}
		return systemStyle.Render(fmt.Sprintf("* left %s", e.Room))
	case event.RoomList:
		names := make([]string, 0, len(e.Rooms))
		for _, r := range e.Rooms {
			names = append(names, r.JID)
		}
		return systemStyle.Render("* rooms: " + strings.Join(names, ", "))
	case event.DeliveryError:
		return errorStyle.Render(fmt.Sprintf("* %s: message %s bounced (%s)", e.Room, e.MessageID, e.Condition))
	}
	return ""
}
