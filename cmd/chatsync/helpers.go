package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/campusline/chatsync"
	"github.com/dustin/go-humanize"
)

// requireAuth loads the config and checks the credentials every chat
// command needs.
func requireAuth() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no token: run 'chatsync init <token>' or set CHATSYNC_TOKEN")
	}
	if cfg.Auth.UserID == "" {
		return nil, fmt.Errorf("no user id: run 'chatsync config set auth.user_id <id>' or set CHATSYNC_USER_ID")
	}
	return cfg, nil
}

func newClient(cfg *Config) *chatsync.Client {
	return chatsync.NewClient(
		chatsync.WithBaseURL(cfg.Default.BaseURL),
		chatsync.WithToken(cfg.Auth.Token),
		chatsync.WithTimeout(15*time.Second),
		chatsync.WithLogger(logger),
	)
}

// openCache opens the configured snapshot store. The caller closes it.
func openCache(cfg *Config) (chatsync.SnapshotCache, error) {
	backend := cfg.Cache.Backend
	if backend == "" {
		backend = "bolt"
	}
	path := cfg.Cache.Path
	if path == "" && backend != "memory" {
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		name := "snapshots.db"
		if backend == "pebble" {
			name = "snapshots"
		}
		path = filepath.Join(dir, name)
	}

	switch backend {
	case "memory":
		return chatsync.NewMemoryCache(), nil
	case "bolt":
		c, err := chatsync.OpenBoltCache(path)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "pebble":
		c, err := chatsync.OpenPebbleCache(path)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q (valid: memory, bolt, pebble)", backend)
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

// formatMessage renders one timeline line.
func formatMessage(m chatsync.Message) string {
	sender := m.SenderName
	if sender == "" {
		sender = m.SenderID
	}
	body := m.Content
	switch {
	case m.Revoked:
		body = "(message revoked)"
	case m.Emoji != nil && m.Emoji.Kind == chatsync.EmojiCustom:
		body = strings.TrimSpace(body + " :" + m.Emoji.Name + ":")
	}
	for _, a := range m.Attachments {
		body += fmt.Sprintf(" [%s %s]", a.Name, humanize.Bytes(uint64(a.Size)))
	}
	when := "sending"
	if !m.CreatedAt.IsZero() {
		when = humanize.Time(m.CreatedAt)
	}
	state := ""
	if m.State == chatsync.StateFailed {
		state = " (failed)"
	}
	return fmt.Sprintf("[%s] %s: %s%s", when, sender, body, state)
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
