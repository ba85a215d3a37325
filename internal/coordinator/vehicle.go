package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/micro-ha/audiconnect/addon/internal/audiapi"
	"github.com/micro-ha/audiconnect/addon/internal/backoff"
	"github.com/micro-ha/audiconnect/addon/internal/logging"
)

// VehicleRefreshResult is the snapshot after a vehicle refresh. Stale is set
// when the vehicle did not confirm new data and cloud data was used instead.
type VehicleRefreshResult struct {
	View    SnapshotView
	Stale   bool
	Warning string
}

// RefreshVehicle asks vin to push fresh data, waits for the vendor to confirm
// it and then reads the cloud. A vehicle that never confirms yields the cloud
// data tagged stale rather than an error. Concurrent calls for the same VIN
// share one execution.
func (c *Coordinator) RefreshVehicle(ctx context.Context, vin string) (VehicleRefreshResult, error) {
	if c.life.Err() != nil {
		return VehicleRefreshResult{}, ErrClosed
	}
	vin = normalizeVIN(vin)
	ch := c.group.DoChan(PathVehicle+":"+vin, func() (any, error) {
		execCtx, cancel := c.execCtx(ctx)
		defer cancel()
		return c.refreshVehicle(execCtx, vin)
	})
	select {
	case <-ctx.Done():
		return VehicleRefreshResult{}, ctx.Err()
	case res := <-ch:
		result, _ := res.Val.(VehicleRefreshResult)
		return result, res.Err
	}
}

func (c *Coordinator) refreshVehicle(ctx context.Context, vin string) (VehicleRefreshResult, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if _, err := c.discover(ctx); err != nil {
		return VehicleRefreshResult{}, c.vehicleFailed(vin, err)
	}
	vehicle, ok := c.Vehicle(vin)
	if !ok {
		return VehicleRefreshResult{}, fmt.Errorf("%w: %s", ErrUnknownVehicle, logging.RedactVIN(vin))
	}
	logger := c.logger.With(logging.VIN(vin))

	c.machine.fire(ctx, logger, eventRequestVehicle)
	defer c.machine.fire(ctx, logger, eventVehicleDone)

	var warning string
	requestID, err := c.api.RequestVehicleRefresh(ctx, vin)
	switch {
	case err == nil:
		c.machine.fire(ctx, logger, eventVehicleAccepted)
		warning, err = c.awaitVehicle(ctx, vin, requestID)
		if err != nil {
			return VehicleRefreshResult{}, c.vehicleFailed(vin, err)
		}
	case audiapi.IsAuth(err) || ctx.Err() != nil:
		return VehicleRefreshResult{}, c.vehicleFailed(vin, err)
	default:
		logger.Warn("vehicle refresh request failed", "err", err)
		warning = "vehicle refresh request failed: " + err.Error()
	}

	snap, err := c.fetchVehicle(ctx, vehicle)
	if err != nil {
		if audiapi.IsAuth(err) || ctx.Err() != nil {
			return VehicleRefreshResult{}, c.vehicleFailed(vin, err)
		}
		c.markFailed(vin, err)
		view, viewErr := c.Snapshot(vin)
		c.emit(Event{Kind: EventRefreshFailed, Path: PathVehicle, VIN: vin, Err: err})
		if viewErr != nil {
			return VehicleRefreshResult{}, fmt.Errorf("vehicle refresh: %w", err)
		}
		if warning == "" {
			warning = "cloud read after vehicle refresh failed"
		}
		logger.Warn("returning last known snapshot", "warning", warning, "err", err)
		view.Stale = true
		view.Warning = warning
		return VehicleRefreshResult{View: view, Stale: true, Warning: warning}, nil
	}

	stale := warning != ""
	view := c.storeSnapshot(ctx, snap, stale, warning)
	if stale {
		logger.Warn("vehicle refresh not confirmed, using cloud data", "warning", warning)
		c.emit(Event{Kind: EventRefreshFailed, Path: PathVehicle, VIN: vin, View: &view, Err: errors.New(warning)})
	} else {
		logger.Info("vehicle refresh finished")
		c.emit(Event{Kind: EventRefreshCompleted, Path: PathVehicle, VIN: vin, View: &view})
	}
	return VehicleRefreshResult{View: view, Stale: stale, Warning: warning}, nil
}

// awaitVehicle polls the refresh job until the vehicle reports or the attempt
// bound is reached. A non-empty warning means no confirmed new data.
func (c *Coordinator) awaitVehicle(ctx context.Context, vin, requestID string) (string, error) {
	for attempt := 1; attempt <= c.pollAttempts; attempt++ {
		if err := backoff.Sleep(ctx, backoff.Jitter(c.pollInterval, c.jitter)); err != nil {
			return "", err
		}
		state, err := c.api.VehicleRefreshStatus(ctx, vin, requestID)
		if err != nil {
			if audiapi.IsAuth(err) || ctx.Err() != nil {
				return "", err
			}
			c.logger.Debug("vehicle refresh status failed", logging.VIN(vin), "attempt", attempt, "err", err)
			continue
		}
		switch state {
		case audiapi.ActionSucceeded:
			return "", nil
		case audiapi.ActionFailed:
			return "vehicle reported refresh failure", nil
		case audiapi.ActionPartial:
			return "vehicle refresh only partially completed", nil
		}
	}
	return fmt.Sprintf("vehicle did not report new data after %d attempts", c.pollAttempts), nil
}

func (c *Coordinator) vehicleFailed(vin string, err error) error {
	if audiapi.IsAuth(err) {
		c.setHealth(HealthAuthFailed, err)
	}
	c.emit(Event{Kind: EventRefreshFailed, Path: PathVehicle, VIN: vin, Err: err})
	return err
}
