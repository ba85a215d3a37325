package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/micro-ha/audiconnect/addon/internal/audiapi"
	"github.com/micro-ha/audiconnect/addon/internal/logging"
	"github.com/micro-ha/audiconnect/addon/internal/model"
)

var ErrClosed = errors.New("coordinator closed")

const (
	PathCloud   = "cloud"
	PathVehicle = "vehicle"

	maxConcurrentFetches = 4
	// hold applied when a throttled answer carries no Retry-After
	minThrottleHold = time.Minute
)

// CloudResult lists the VINs refreshed by one cloud cycle and the isolated
// per-VIN failures.
type CloudResult struct {
	Updated []string
	Errors  map[string]error
}

func (r CloudResult) Failed(vin string) bool {
	_, ok := r.Errors[vin]
	return ok
}

// RefreshCloud reads vendor cached data of every vehicle. Concurrent calls
// share one in-flight cycle. Auth and throttling failures abort the cycle and
// are returned; other failures are reported per VIN in the result while the
// previous snapshot of that VIN is kept.
func (c *Coordinator) RefreshCloud(ctx context.Context) (CloudResult, error) {
	if c.life.Err() != nil {
		return CloudResult{}, ErrClosed
	}
	if wait := c.throttleRemaining(); wait > 0 {
		return CloudResult{}, &audiapi.ThrottledError{Endpoint: "cloud refresh", RetryAfter: wait}
	}
	ch := c.group.DoChan(PathCloud, func() (any, error) {
		execCtx, cancel := c.execCtx(ctx)
		defer cancel()
		return c.refreshCloud(execCtx)
	})
	select {
	case <-ctx.Done():
		return CloudResult{}, ctx.Err()
	case res := <-ch:
		result, _ := res.Val.(CloudResult)
		return result, res.Err
	}
}

func (c *Coordinator) refreshCloud(ctx context.Context) (CloudResult, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	c.machine.fire(ctx, c.logger, eventRefreshCloud)
	defer c.machine.fire(ctx, c.logger, eventCloudDone)

	result := CloudResult{Errors: map[string]error{}}
	vehicles, err := c.discover(ctx)
	if err != nil {
		return result, c.finishCloud(result, err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)
	for _, v := range vehicles {
		v := v
		g.Go(func() error {
			snap, err := c.fetchVehicle(gctx, v)
			if err != nil {
				if accountLevel(err) {
					return err
				}
				if gctx.Err() != nil && ctx.Err() == nil {
					// cancelled by another VIN's account level failure
					return nil
				}
				c.logger.Warn("vehicle status refresh failed", logging.VIN(v.VIN), "err", err)
				c.markFailed(v.VIN, err)
				mu.Lock()
				result.Errors[v.VIN] = err
				mu.Unlock()
				return nil
			}
			c.storeSnapshot(ctx, snap, false, "")
			mu.Lock()
			result.Updated = append(result.Updated, v.VIN)
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	sort.Strings(result.Updated)
	return result, c.finishCloud(result, err)
}

func (c *Coordinator) finishCloud(result CloudResult, err error) error {
	retryAfter, throttled := audiapi.IsThrottled(err)
	switch {
	case err != nil && audiapi.IsAuth(err):
		c.setHealth(HealthAuthFailed, err)
		c.logger.Error("cloud refresh aborted: authentication failed", "err", err)
	case throttled:
		c.setHealth(HealthStale, err)
		c.setThrottled(retryAfter)
		c.logger.Warn("cloud refresh throttled", "retry_after", retryAfter)
	case err != nil:
		c.setHealth(HealthStale, err)
		c.logger.Warn("cloud refresh failed", "err", err)
	case len(result.Errors) > 0:
		c.setHealth(HealthStale, fmt.Errorf("%d of %d vehicles failed", len(result.Errors), len(result.Errors)+len(result.Updated)))
	default:
		c.setHealth(HealthOK, nil)
	}
	if err == nil {
		c.mu.Lock()
		c.lastRefresh = c.now().UTC()
		c.throttledUntil = time.Time{}
		c.mu.Unlock()
		c.emit(Event{Kind: EventRefreshCompleted, Path: PathCloud})
		c.logger.Info("cloud refresh finished", "updated", len(result.Updated), "failed", len(result.Errors))
		return nil
	}
	if !errors.Is(err, context.Canceled) {
		c.markAllFailed(err)
	}
	c.emit(Event{Kind: EventRefreshFailed, Path: PathCloud, Err: err})
	return err
}

// Discover lists the account vehicles without reading their status. Vehicles
// already discovered in this session are returned from memory.
func (c *Coordinator) Discover(ctx context.Context) ([]model.Vehicle, error) {
	if c.life.Err() != nil {
		return nil, ErrClosed
	}
	ch := c.group.DoChan("discover", func() (any, error) {
		execCtx, cancel := c.execCtx(ctx)
		defer cancel()
		return c.discover(execCtx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		vehicles, _ := res.Val.([]model.Vehicle)
		return vehicles, res.Err
	}
}

// discover lists the account vehicles once per session.
func (c *Coordinator) discover(ctx context.Context) ([]model.Vehicle, error) {
	c.mu.RLock()
	if c.discovered && len(c.vehicles) > 0 {
		out := make([]model.Vehicle, 0, len(c.vehicles))
		for _, v := range c.vehicles {
			out = append(out, v)
		}
		c.mu.RUnlock()
		return out, nil
	}
	c.mu.RUnlock()

	vehicles, err := c.api.ListVehicles(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover vehicles: %w", err)
	}

	for i := range vehicles {
		vehicles[i].VIN = normalizeVIN(vehicles[i].VIN)
	}

	c.mu.Lock()
	c.vehicles = make(map[string]model.Vehicle, len(vehicles))
	for _, v := range vehicles {
		c.vehicles[v.VIN] = v
	}
	for vin := range c.entries {
		if _, ok := c.vehicles[vin]; !ok {
			delete(c.entries, vin)
		}
	}
	c.discovered = true
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.SaveVehicles(ctx, c.account, vehicles); err != nil {
			c.logger.Warn("persist vehicles failed", "err", err)
		}
	}
	c.logger.Info("vehicles discovered", "count", len(vehicles))
	return vehicles, nil
}

// fetchVehicle reads status and, where available, the parked position.
func (c *Coordinator) fetchVehicle(ctx context.Context, v model.Vehicle) (model.VehicleStatusSnapshot, error) {
	snap, err := c.api.FetchStatus(ctx, v.VIN)
	if err != nil {
		return model.VehicleStatusSnapshot{}, err
	}
	if snap.VIN == "" {
		snap.VIN = v.VIN
	}
	if !v.Has(model.CapabilityPosition) {
		return snap, nil
	}

	pos, err := c.api.FetchPosition(ctx, v.VIN)
	switch {
	case err == nil:
		snap.Position = &pos
	case errors.Is(err, audiapi.ErrPositionUnavailable):
		// moving; the last parked position is kept by the merge
	case audiapi.IsAuth(err):
		return model.VehicleStatusSnapshot{}, err
	default:
		c.logger.Debug("position not available", logging.VIN(v.VIN), "err", err)
	}
	return snap, nil
}

func accountLevel(err error) bool {
	if audiapi.IsAuth(err) {
		return true
	}
	_, throttled := audiapi.IsThrottled(err)
	return throttled
}
