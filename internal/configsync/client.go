package configsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/micro-ha/audiconnect/addon/internal/coordinator"
	"github.com/micro-ha/audiconnect/addon/internal/model"
)

// HA event types fired by the add-on.
const (
	EventRefreshCompleted = "audiconnect_refresh_completed"
	EventRefreshFailed    = "audiconnect_refresh_failed"
	EventActionCompleted  = "audiconnect_action_completed"

	notifyQueueSize = 64
)

type haEvent struct {
	eventType string
	data      map[string]any
}

// Notifier fires HA bus events through the core REST API. Notify never
// blocks; events are dropped when the queue is full.
type Notifier struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
	queue   chan haEvent
}

func NewNotifier(baseURL, token string, logger *slog.Logger) *Notifier {
	baseURL = strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://supervisor/core"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		baseURL: baseURL,
		token:   strings.TrimSpace(token),
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		queue:   make(chan haEvent, notifyQueueSize),
	}
}

// Run delivers queued events until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-n.queue:
			if err := n.Fire(ctx, ev.eventType, ev.data); err != nil && ctx.Err() == nil {
				n.logger.Warn("ha event delivery failed", "event", ev.eventType, "err", err)
			}
		}
	}
}

// NotifyRefresh maps finished coordinator refreshes to HA events. Snapshot
// events are not forwarded.
func (n *Notifier) NotifyRefresh(ev coordinator.Event) {
	data := map[string]any{"account": ev.Account, "path": ev.Path}
	if ev.VIN != "" {
		data["vin"] = ev.VIN
	}
	switch ev.Kind {
	case coordinator.EventRefreshCompleted:
		n.enqueue(EventRefreshCompleted, data)
	case coordinator.EventRefreshFailed:
		if ev.Err != nil {
			data["error"] = ev.Err.Error()
		}
		if ev.View != nil {
			data["stale"] = ev.View.Stale
		}
		n.enqueue(EventRefreshFailed, data)
	}
}

func (n *Notifier) NotifyAction(outcome model.ActionOutcome) {
	data := map[string]any{
		"vin":    outcome.VIN,
		"action": string(outcome.Kind),
		"status": string(outcome.Status),
	}
	if outcome.Message != "" {
		data["message"] = outcome.Message
	}
	n.enqueue(EventActionCompleted, data)
}

func (n *Notifier) enqueue(eventType string, data map[string]any) {
	select {
	case n.queue <- haEvent{eventType: eventType, data: data}:
	default:
		n.logger.Warn("ha event queue full, dropping event", "event", eventType)
	}
}

// Fire posts one event synchronously.
func (n *Notifier) Fire(ctx context.Context, eventType string, data map[string]any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/api/events/"+eventType, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}
	resp, err := n.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("event post status %d: %s", resp.StatusCode, string(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
