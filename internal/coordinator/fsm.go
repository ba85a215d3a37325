package coordinator

import (
	"context"
	"log/slog"

	"github.com/looplab/fsm"
)

// Account refresh states.
const (
	StateIdle                     = "idle"
	StateRefreshing               = "refreshing"
	StateRequestingVehicleRefresh = "requesting_vehicle_refresh"
	StateAwaitingVehicleRefresh   = "awaiting_vehicle_refresh"
)

const (
	eventRefreshCloud    = "refresh_cloud"
	eventCloudDone       = "cloud_done"
	eventRequestVehicle  = "request_vehicle"
	eventVehicleAccepted = "vehicle_accepted"
	eventVehicleDone     = "vehicle_done"
)

// refreshMachine tracks which refresh path an account is on. Transitions
// happen only while the account refresh lock is held.
type refreshMachine struct {
	*fsm.FSM
}

func newRefreshMachine(logger *slog.Logger) *refreshMachine {
	events := fsm.Events{
		{Name: eventRefreshCloud, Src: []string{StateIdle}, Dst: StateRefreshing},
		{Name: eventCloudDone, Src: []string{StateRefreshing}, Dst: StateIdle},

		{Name: eventRequestVehicle, Src: []string{StateIdle}, Dst: StateRequestingVehicleRefresh},
		{Name: eventVehicleAccepted, Src: []string{StateRequestingVehicleRefresh}, Dst: StateAwaitingVehicleRefresh},
		{Name: eventVehicleDone, Src: []string{StateRequestingVehicleRefresh, StateAwaitingVehicleRefresh}, Dst: StateIdle},
	}
	callbacks := fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			logger.Debug("refresh state", "from", e.Src, "to", e.Dst, "event", e.Event)
		},
	}
	return &refreshMachine{FSM: fsm.NewFSM(StateIdle, events, callbacks)}
}

// fire runs a transition and logs instead of failing; a rejected transition
// is a programming error, not a vendor condition.
func (m *refreshMachine) fire(ctx context.Context, logger *slog.Logger, event string) {
	if err := m.Event(context.WithoutCancel(ctx), event); err != nil {
		logger.Error("invalid refresh transition", "event", event, "state", m.Current(), "err", err)
	}
}
