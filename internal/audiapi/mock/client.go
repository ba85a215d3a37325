package mock

import (
	"context"
	"sync"

	"github.com/micro-ha/audiconnect/addon/internal/audiapi"
	"github.com/micro-ha/audiconnect/addon/internal/model"
)

// Call stores one vendor API invocation.
type Call struct {
	Method string
	VIN    string
	Arg    string
}

// Client is a programmable fake of the vehicle API client. Nil funcs return
// zero values without error.
type Client struct {
	mu sync.Mutex

	ListVehiclesFunc          func(ctx context.Context) ([]model.Vehicle, error)
	FetchStatusFunc           func(ctx context.Context, vin string) (model.VehicleStatusSnapshot, error)
	FetchPositionFunc         func(ctx context.Context, vin string) (model.Position, error)
	RequestVehicleRefreshFunc func(ctx context.Context, vin string) (string, error)
	VehicleRefreshStatusFunc  func(ctx context.Context, vin, requestID string) (audiapi.ActionState, error)
	SendActionFunc            func(ctx context.Context, vin string, kind model.ActionKind, params model.ActionParams) (audiapi.ActionHandle, error)
	ActionStatusFunc          func(ctx context.Context, handle audiapi.ActionHandle) (audiapi.ActionState, error)

	Calls []Call
}

func (c *Client) record(method, vin, arg string) {
	c.mu.Lock()
	c.Calls = append(c.Calls, Call{Method: method, VIN: vin, Arg: arg})
	c.mu.Unlock()
}

func (c *Client) ListVehicles(ctx context.Context) ([]model.Vehicle, error) {
	c.record("ListVehicles", "", "")
	c.mu.Lock()
	fn := c.ListVehiclesFunc
	c.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx)
}

func (c *Client) FetchStatus(ctx context.Context, vin string) (model.VehicleStatusSnapshot, error) {
	c.record("FetchStatus", vin, "")
	c.mu.Lock()
	fn := c.FetchStatusFunc
	c.mu.Unlock()
	if fn == nil {
		return model.VehicleStatusSnapshot{VIN: vin}, nil
	}
	return fn(ctx, vin)
}

func (c *Client) FetchPosition(ctx context.Context, vin string) (model.Position, error) {
	c.record("FetchPosition", vin, "")
	c.mu.Lock()
	fn := c.FetchPositionFunc
	c.mu.Unlock()
	if fn == nil {
		return model.Position{}, audiapi.ErrPositionUnavailable
	}
	return fn(ctx, vin)
}

func (c *Client) RequestVehicleRefresh(ctx context.Context, vin string) (string, error) {
	c.record("RequestVehicleRefresh", vin, "")
	c.mu.Lock()
	fn := c.RequestVehicleRefreshFunc
	c.mu.Unlock()
	if fn == nil {
		return "refresh-1", nil
	}
	return fn(ctx, vin)
}

func (c *Client) VehicleRefreshStatus(ctx context.Context, vin, requestID string) (audiapi.ActionState, error) {
	c.record("VehicleRefreshStatus", vin, requestID)
	c.mu.Lock()
	fn := c.VehicleRefreshStatusFunc
	c.mu.Unlock()
	if fn == nil {
		return audiapi.ActionSucceeded, nil
	}
	return fn(ctx, vin, requestID)
}

func (c *Client) SendAction(ctx context.Context, vin string, kind model.ActionKind, params model.ActionParams) (audiapi.ActionHandle, error) {
	c.record("SendAction", vin, string(kind))
	c.mu.Lock()
	fn := c.SendActionFunc
	c.mu.Unlock()
	if fn == nil {
		return audiapi.ActionHandle{VIN: vin, Kind: kind, RequestID: "action-1"}, nil
	}
	return fn(ctx, vin, kind, params)
}

func (c *Client) ActionStatus(ctx context.Context, handle audiapi.ActionHandle) (audiapi.ActionState, error) {
	c.record("ActionStatus", handle.VIN, handle.RequestID)
	c.mu.Lock()
	fn := c.ActionStatusFunc
	c.mu.Unlock()
	if fn == nil {
		return audiapi.ActionSucceeded, nil
	}
	return fn(ctx, handle)
}

// CallsSnapshot returns a copy of accumulated calls.
func (c *Client) CallsSnapshot() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.Calls))
	copy(out, c.Calls)
	return out
}

// Count returns how many times method was called, optionally for one VIN.
func (c *Client) Count(method, vin string) int {
	n := 0
	for _, call := range c.CallsSnapshot() {
		if call.Method == method && (vin == "" || call.VIN == vin) {
			n++
		}
	}
	return n
}
