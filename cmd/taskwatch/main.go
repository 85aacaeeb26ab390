package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/antoniostano/taskforge/internal/realtime"
)

type options struct {
	streamURL     string
	types         map[string]bool
	heartbeat     time.Duration
	maxReconnects int
	queueSize     int
	duration      time.Duration
	verbose       bool
}

type envelope struct {
	Type      string    `json:"type"`
	TaskID    string    `json:"task_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Chunk     string    `json:"chunk,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskwatch: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "taskwatch: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var typesRaw string
	var heartbeatMS int

	flag.StringVar(&cfg.streamURL, "url", "ws://127.0.0.1:8080/v1/events/ws", "event stream websocket URL")
	flag.StringVar(&typesRaw, "types", "", "comma separated message types to show (empty shows all)")
	flag.IntVar(&heartbeatMS, "heartbeat-ms", 30000, "heartbeat ping interval in milliseconds")
	flag.IntVar(&cfg.maxReconnects, "max-reconnects", 10, "reconnect attempts before giving up")
	flag.IntVar(&cfg.queueSize, "queue", 100, "outbound queue size while disconnected")
	flag.DurationVar(&cfg.duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	flag.BoolVar(&cfg.verbose, "verbose", false, "print connection lifecycle events")
	flag.Parse()

	cfg.streamURL = strings.TrimSpace(cfg.streamURL)
	u, err := url.Parse(cfg.streamURL)
	if err != nil {
		return options{}, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return options{}, fmt.Errorf("url scheme must be ws or wss, got %q", u.Scheme)
	}
	if heartbeatMS < 100 {
		return options{}, fmt.Errorf("heartbeat-ms must be >= 100")
	}
	cfg.heartbeat = time.Duration(heartbeatMS) * time.Millisecond
	if cfg.maxReconnects <= 0 {
		return options{}, fmt.Errorf("max-reconnects must be > 0")
	}
	if cfg.queueSize <= 0 {
		return options{}, fmt.Errorf("queue must be > 0")
	}

	if strings.TrimSpace(typesRaw) != "" {
		cfg.types = make(map[string]bool)
		for _, part := range strings.Split(typesRaw, ",") {
			if t := strings.TrimSpace(part); t != "" {
				cfg.types[t] = true
			}
		}
	}
	return cfg, nil
}

func run(cfg options) error {
	ch := realtime.NewChannel(realtime.Config{
		URL:                  cfg.streamURL,
		MaxReconnectAttempts: cfg.maxReconnects,
		HeartbeatInterval:    cfg.heartbeat,
		MaxQueueSize:         cfg.queueSize,
	})
	defer ch.Destroy()

	if err := ch.Connect(); err != nil {
		return fmt.Errorf("connect %s: %w", cfg.streamURL, err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var deadline <-chan time.Time
	if cfg.duration > 0 {
		timer := time.NewTimer(cfg.duration)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-sigCh:
			printSummary(ch)
			return nil
		case <-deadline:
			printSummary(ch)
			return nil
		case evt, ok := <-ch.Events():
			if !ok {
				return fmt.Errorf("event stream closed")
			}
			handleEvent(cfg, ch, evt)
			if evt.Kind == realtime.EventReconnectFailed {
				printSummary(ch)
				return fmt.Errorf("gave up reconnecting to %s", cfg.streamURL)
			}
		}
	}
}

func handleEvent(cfg options, ch *realtime.Channel, evt realtime.ChannelEvent) {
	switch evt.Kind {
	case realtime.EventConnected:
		if cfg.verbose {
			fmt.Printf("taskwatch: connected id=%s\n", ch.ConnectionID())
		}
	case realtime.EventDisconnected:
		if cfg.verbose {
			fmt.Printf("taskwatch: disconnected err=%v\n", evt.Err)
		}
	case realtime.EventMessageDropped:
		if cfg.verbose {
			fmt.Fprintf(os.Stderr, "taskwatch: dropped queued message\n")
		}
	case realtime.EventMessage:
		printMessage(cfg, evt.Payload)
	}
}

func printMessage(cfg options, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		fmt.Printf("%s\n", raw)
		return
	}
	if cfg.types != nil && !cfg.types[env.Type] {
		return
	}

	fmt.Println(formatEnvelope(env))
	if env.Chunk != "" {
		fmt.Print(env.Chunk)
		if !strings.HasSuffix(env.Chunk, "\n") {
			fmt.Println()
		}
	}
}

func formatEnvelope(env envelope) string {
	ts := env.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	line := fmt.Sprintf("%s %-22s", ts.Format(time.RFC3339), env.Type)
	if env.TaskID != "" {
		line += " task=" + env.TaskID
	}
	if env.SessionID != "" {
		line += " session=" + env.SessionID
	}
	if env.Error != "" {
		line += " error=" + env.Error
	}
	return line
}

func printSummary(ch *realtime.Channel) {
	m := ch.Metrics()
	fmt.Printf("taskwatch: received=%d sent=%d reconnects=%d uptime=%s\n",
		m.MessagesReceived, m.MessagesSent, m.ReconnectAttempts, m.Uptime.Round(time.Second))
}
