package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrResponseTimeout = errors.New("bridge response timed out")
	ErrRequestFailed   = errors.New("bridge request failed")
)

// Request is the filesystem-resident record routing an execution request to a
// named session context.
type Request struct {
	RequestID     string          `json:"requestId"`
	TargetSession string          `json:"targetSession"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data"`
	ResponseFile  string          `json:"responseFile"`
}

type Response struct {
	RequestID string          `json:"requestId"`
	Timestamp time.Time       `json:"timestamp"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type Config struct {
	Dir             string
	PollingInterval time.Duration
	ResponseTimeout time.Duration
}

// Bridge routes requests between logically distinct sessions through JSON
// files in a shared directory. Waits are poll-based with a fixed deadline; an
// abandoned wait leaves its request on disk for the periodic sweep.
type Bridge struct {
	dir             string
	pollingInterval time.Duration
	responseTimeout time.Duration
}

func New(cfg Config) (*Bridge, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, errors.New("bridge directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bridge dir: %w", err)
	}
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = 500 * time.Millisecond
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 30 * time.Second
	}
	return &Bridge{
		dir:             dir,
		pollingInterval: cfg.PollingInterval,
		responseTimeout: cfg.ResponseTimeout,
	}, nil
}

func requestName(target, id string) string  { return fmt.Sprintf("%s_request_%s.json", target, id) }
func responseName(target, id string) string { return fmt.Sprintf("%s_response_%s.json", target, id) }

// SendToSession persists a request for target and polls for its response file
// until it appears or the response timeout elapses. On timeout the request is
// left in place; Cleanup collects it later.
func (b *Bridge) SendToSession(ctx context.Context, target string, payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal bridge payload: %w", err)
	}

	id := uuid.NewString()
	req := Request{
		RequestID:     id,
		TargetSession: target,
		Timestamp:     time.Now().UTC(),
		Data:          data,
		ResponseFile:  responseName(target, id),
	}
	if err := b.writeJSON(requestName(target, id), req); err != nil {
		return nil, err
	}

	responsePath := filepath.Join(b.dir, req.ResponseFile)
	ticker := time.NewTicker(b.pollingInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(b.responseTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w after %s", ErrResponseTimeout, b.responseTimeout)
		case <-ticker.C:
			raw, err := os.ReadFile(responsePath)
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("read bridge response: %w", err)
			}

			var resp Response
			if err := json.Unmarshal(raw, &resp); err != nil {
				return nil, fmt.Errorf("parse bridge response: %w", err)
			}
			if err := os.Remove(responsePath); err != nil {
				log.Printf("bridge: remove response %s: %v", req.ResponseFile, err)
			}
			if !resp.Success {
				return nil, fmt.Errorf("%w: %s", ErrRequestFailed, resp.Error)
			}
			return resp.Data, nil
		}
	}
}

// CheckForRequests lists pending requests addressed to sessionID.
func (b *Bridge) CheckForRequests(sessionID string) ([]Request, error) {
	pattern := filepath.Join(b.dir, sessionID+"_request_*.json")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("list bridge requests: %w", err)
	}

	out := make([]Request, 0, len(matches))
	for _, path := range matches {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			log.Printf("bridge: skipping malformed request %s: %v", filepath.Base(path), err)
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

// RespondToRequest writes the response record and removes the original
// request so it is consumed exactly once.
func (b *Bridge) RespondToRequest(req Request, resp Response) error {
	resp.RequestID = req.RequestID
	if resp.Timestamp.IsZero() {
		resp.Timestamp = time.Now().UTC()
	}
	if err := b.writeJSON(req.ResponseFile, resp); err != nil {
		return err
	}
	requestPath := filepath.Join(b.dir, requestName(req.TargetSession, req.RequestID))
	if err := os.Remove(requestPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove bridge request: %w", err)
	}
	return nil
}

// Cleanup deletes request and response records older than maxAge. Crashed
// responders and abandoned waits both leave orphans behind; age is the only
// signal either way.
func (b *Bridge) Cleanup(maxAge time.Duration) error {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return fmt.Errorf("scan bridge dir: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		if !strings.Contains(name, "_request_") && !strings.Contains(name, "_response_") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(b.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("bridge: cleanup %s: %v", name, err)
		}
	}
	return nil
}

// StartJanitor sweeps orphaned records until ctx is cancelled.
func (b *Bridge) StartJanitor(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := b.Cleanup(maxAge); err != nil {
					log.Printf("bridge: janitor: %v", err)
				}
			}
		}
	}()
}

// writeJSON writes atomically via rename so pollers never observe a partial
// record.
func (b *Bridge) writeJSON(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	tmp := filepath.Join(b.dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp, filepath.Join(b.dir, name)); err != nil {
		return fmt.Errorf("publish %s: %w", name, err)
	}
	return nil
}
