package configsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/micro-ha/audiconnect/addon/internal/coordinator"
	"github.com/micro-ha/audiconnect/addon/internal/model"
)

type postedEvent struct {
	path string
	auth string
	data map[string]any
}

func eventServer(t *testing.T) (*httptest.Server, chan postedEvent) {
	t.Helper()
	events := make(chan postedEvent, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var data map[string]any
		_ = json.NewDecoder(r.Body).Decode(&data)
		events <- postedEvent{path: r.URL.Path, auth: r.Header.Get("Authorization"), data: data}
		_, _ = w.Write([]byte(`{"message":"Event fired."}`))
	}))
	t.Cleanup(srv.Close)
	return srv, events
}

func nextEvent(t *testing.T, events chan postedEvent) postedEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("no event posted")
		return postedEvent{}
	}
}

func TestNotifierFiresRefreshEvents(t *testing.T) {
	srv, events := eventServer(t)
	n := NewNotifier(srv.URL+"/", "token", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	n.NotifyRefresh(coordinator.Event{Kind: coordinator.EventSnapshot, Account: "a", VIN: "WAUZZZ4G7EN123456"})
	n.NotifyRefresh(coordinator.Event{Kind: coordinator.EventRefreshCompleted, Account: "a", Path: coordinator.PathCloud})
	n.NotifyRefresh(coordinator.Event{
		Kind:    coordinator.EventRefreshFailed,
		Account: "a",
		Path:    coordinator.PathVehicle,
		VIN:     "WAUZZZ4G7EN123456",
		View:    &coordinator.SnapshotView{Stale: true},
		Err:     errors.New("vehicle did not report new data after 10 attempts"),
	})

	completed := nextEvent(t, events)
	if completed.path != "/api/events/"+EventRefreshCompleted || completed.auth != "Bearer token" {
		t.Fatalf("unexpected completed event %+v", completed)
	}
	if completed.data["path"] != "cloud" || completed.data["account"] != "a" {
		t.Fatalf("unexpected completed data %+v", completed.data)
	}

	failed := nextEvent(t, events)
	if failed.path != "/api/events/"+EventRefreshFailed {
		t.Fatalf("unexpected failed event %+v", failed)
	}
	if failed.data["vin"] != "WAUZZZ4G7EN123456" || failed.data["stale"] != true || failed.data["error"] == nil {
		t.Fatalf("unexpected failed data %+v", failed.data)
	}
}

func TestNotifierFiresActionEvent(t *testing.T) {
	srv, events := eventServer(t)
	n := NewNotifier(srv.URL, "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	n.NotifyAction(model.ActionOutcome{VIN: "WAUZZZ4G7EN123456", Kind: model.ActionLock, Status: model.OutcomeUnknown, Message: "poll timed out"})

	ev := nextEvent(t, events)
	if ev.path != "/api/events/"+EventActionCompleted || ev.auth != "" {
		t.Fatalf("unexpected action event %+v", ev)
	}
	if ev.data["action"] != "lock" || ev.data["status"] != "unknown" || ev.data["message"] != "poll timed out" {
		t.Fatalf("unexpected action data %+v", ev.data)
	}
}

func TestNotifierFireReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := NewNotifier(srv.URL, "bad", nil).Fire(context.Background(), EventRefreshCompleted, map[string]any{})
	if err == nil {
		t.Fatalf("expected error for 401 response")
	}
}
