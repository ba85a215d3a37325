package configsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/micro-ha/audiconnect/addon/internal/model"
)

// HA event types the add-on listens to.
const (
	EventRefreshCloud         = "audiconnect_refresh_cloud_data"
	EventRefreshVehicle       = "audiconnect_refresh_vehicle_data"
	EventExecuteAction        = "audiconnect_execute_vehicle_action"
	EventStartClimateControl  = "audiconnect_start_climate_control"
	EventConfigUpdated        = "audiconnect_config_updated"
	watchReadTimeout          = 120 * time.Second
	maxWatchReconnectInterval = 20 * time.Second
)

var subscribedEvents = []string{
	EventRefreshCloud,
	EventRefreshVehicle,
	EventExecuteAction,
	EventStartClimateControl,
	EventConfigUpdated,
}

// Command is a host request received over the HA event bus.
type Command struct {
	Event  string
	VIN    string
	Action model.ActionKind
	Params model.ActionParams
}

type Watcher struct {
	baseURL string
	token   string
	dialer  *websocket.Dialer
	logger  *slog.Logger
}

func NewWatcher(baseURL, token string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		dialer:  websocket.DefaultDialer,
		logger:  logger,
	}
}

// Run keeps an event subscription open until ctx is done and hands every
// recognized event to handle.
func (w *Watcher) Run(ctx context.Context, handle func(Command)) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		err := w.runSession(ctx, handle)
		if err != nil && ctx.Err() == nil {
			w.logger.Warn("ha event watcher disconnected", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < maxWatchReconnectInterval {
			backoff *= 2
		}
	}
}

func (w *Watcher) runSession(ctx context.Context, handle func(Command)) error {
	wsURL, err := toWebsocketURL(w.baseURL + "/api/websocket")
	if err != nil {
		return err
	}
	conn, _, err := w.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := expectMessage(conn, "auth_required"); err != nil {
		return err
	}
	if err := conn.WriteJSON(map[string]any{"type": "auth", "access_token": w.token}); err != nil {
		return err
	}
	if err := expectMessage(conn, "auth_ok"); err != nil {
		return err
	}

	for i, eventType := range subscribedEvents {
		subscribe := map[string]any{"id": i + 1, "type": "subscribe_events", "event_type": eventType}
		if err := conn.WriteJSON(subscribe); err != nil {
			return err
		}
	}
	w.logger.Info("ha event watcher subscribed", "events", len(subscribedEvents))

	for {
		if err := conn.SetReadDeadline(time.Now().Add(watchReadTimeout)); err != nil {
			return err
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		cmd, ok, err := parseCommand(msg)
		if err != nil {
			w.logger.Warn("ignoring malformed ha event", "err", err)
			continue
		}
		if ok {
			handle(cmd)
		}
	}
}

func expectMessage(conn *websocket.Conn, msgType string) error {
	if err := conn.SetReadDeadline(time.Now().Add(watchReadTimeout)); err != nil {
		return err
	}
	var envelope struct {
		Type string `json:"type"`
	}
	if err := conn.ReadJSON(&envelope); err != nil {
		return err
	}
	if envelope.Type != msgType {
		return fmt.Errorf("expected %s, got %q", msgType, envelope.Type)
	}
	return nil
}

type eventEnvelope struct {
	Type  string `json:"type"`
	Event struct {
		EventType string          `json:"event_type"`
		Data      json.RawMessage `json:"data"`
	} `json:"event"`
}

type eventData struct {
	VIN    string `json:"vin"`
	Action string `json:"action"`
	model.ActionParams
	// start_climate_control uses the HA service field names
	GlassHeating *bool `json:"glass_heating"`
}

// parseCommand returns ok=false for messages that are not subscribed events.
func parseCommand(body []byte) (Command, bool, error) {
	var envelope eventEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Command{}, false, nil
	}
	if envelope.Type != "event" {
		return Command{}, false, nil
	}

	cmd := Command{Event: envelope.Event.EventType}
	var data eventData
	if len(envelope.Event.Data) > 0 {
		if err := json.Unmarshal(envelope.Event.Data, &data); err != nil {
			return Command{}, false, fmt.Errorf("%s: %w", cmd.Event, err)
		}
	}
	cmd.VIN = strings.ToUpper(strings.TrimSpace(data.VIN))

	switch cmd.Event {
	case EventRefreshCloud, EventConfigUpdated:
		return cmd, true, nil
	case EventRefreshVehicle:
		if cmd.VIN == "" {
			return Command{}, false, errors.New("refresh_vehicle_data: vin is required")
		}
		return cmd, true, nil
	case EventExecuteAction:
		if cmd.VIN == "" {
			return Command{}, false, errors.New("execute_vehicle_action: vin is required")
		}
		kind, err := model.ParseActionKind(strings.ToLower(strings.TrimSpace(data.Action)))
		if err != nil {
			return Command{}, false, err
		}
		cmd.Action = kind
		cmd.Params = data.ActionParams
		return cmd, true, nil
	case EventStartClimateControl:
		if cmd.VIN == "" {
			return Command{}, false, errors.New("start_climate_control: vin is required")
		}
		cmd.Action = model.ActionStartClimatisation
		cmd.Params = data.ActionParams
		if data.GlassHeating != nil {
			cmd.Params.GlassHeating = *data.GlassHeating
		}
		return cmd, true, nil
	default:
		return Command{}, false, nil
	}
}

func toWebsocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}
