// Package coordinator sequences the cloud and vehicle refresh paths of one
// account and owns the latest snapshot of each of its vehicles.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/micro-ha/audiconnect/addon/internal/audiapi"
	"github.com/micro-ha/audiconnect/addon/internal/logging"
	"github.com/micro-ha/audiconnect/addon/internal/model"
)

var (
	ErrSnapshotUnavailable = errors.New("snapshot not yet available")
	ErrUnknownVehicle      = errors.New("unknown vehicle")
)

const (
	DefaultPollInterval = 10 * time.Second
	DefaultPollAttempts = 10
	defaultJitter       = 0.1
)

// VehicleAPI is the part of the vehicle API client the coordinator drives.
type VehicleAPI interface {
	ListVehicles(ctx context.Context) ([]model.Vehicle, error)
	FetchStatus(ctx context.Context, vin string) (model.VehicleStatusSnapshot, error)
	FetchPosition(ctx context.Context, vin string) (model.Position, error)
	RequestVehicleRefresh(ctx context.Context, vin string) (string, error)
	VehicleRefreshStatus(ctx context.Context, vin, requestID string) (audiapi.ActionState, error)
}

// SnapshotStore persists vehicles and their last snapshots across restarts.
type SnapshotStore interface {
	LoadVehicles(ctx context.Context, account string) ([]model.Vehicle, error)
	SaveVehicles(ctx context.Context, account string, vehicles []model.Vehicle) error
	LoadSnapshots(ctx context.Context, account string) ([]model.VehicleStatusSnapshot, error)
	SaveSnapshot(ctx context.Context, account string, snap model.VehicleStatusSnapshot) error
}

// Health is the account level condition shown to the host.
type Health string

const (
	HealthPending    Health = "pending"
	HealthOK         Health = "ok"
	HealthStale      Health = "stale"
	HealthAuthFailed Health = "auth_failed"
)

// AccountStatus distinguishes stale data from broken credentials.
type AccountStatus struct {
	Account     string    `json:"account"`
	Health      Health    `json:"health"`
	State       string    `json:"state"`
	Vehicles    int       `json:"vehicles"`
	LastRefresh time.Time `json:"last_refresh,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// SnapshotView is a snapshot together with its freshness.
type SnapshotView struct {
	Account   string                      `json:"account"`
	Vehicle   model.Vehicle               `json:"vehicle"`
	Snapshot  model.VehicleStatusSnapshot `json:"snapshot"`
	Stale     bool                        `json:"stale"`
	Warning   string                      `json:"warning,omitempty"`
	LastError string                      `json:"last_error,omitempty"`
	// AuthFailed is set while the owning account cannot log in; the
	// snapshot is then the last one read before the failure.
	AuthFailed bool      `json:"auth_failed"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type EventKind string

const (
	EventSnapshot         EventKind = "snapshot"
	EventRefreshCompleted EventKind = "refresh_completed"
	EventRefreshFailed    EventKind = "refresh_failed"
)

// Event is delivered to subscribers after snapshot changes and finished
// refreshes. VIN is empty for account wide cloud refresh events.
type Event struct {
	Kind    EventKind
	Account string
	VIN     string
	Path    string
	View    *SnapshotView
	Err     error
}

type entry struct {
	snapshot  model.VehicleStatusSnapshot
	has       bool
	stale     bool
	warning   string
	lastError string
	updatedAt time.Time
}

type Coordinator struct {
	account string
	api     VehicleAPI
	store   SnapshotStore
	logger  *slog.Logger
	now     func() time.Time

	pollInterval time.Duration
	pollAttempts int
	jitter       float64

	// refreshMu enforces one refresh of either path per account.
	refreshMu sync.Mutex
	group     singleflight.Group
	machine   *refreshMachine

	life   context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	vehicles    map[string]model.Vehicle
	discovered  bool
	entries     map[string]*entry
	health      Health
	lastRefresh time.Time
	lastError   string
	// cloud refreshes are refused until then after a throttled answer
	throttledUntil time.Time

	subMu       sync.RWMutex
	subscribers []func(Event)
}

type Option func(*Coordinator)

func WithStore(store SnapshotStore) Option {
	return func(c *Coordinator) { c.store = store }
}

// WithPolling sets the vehicle refresh job poll interval and attempt bound.
func WithPolling(interval time.Duration, attempts int) Option {
	return func(c *Coordinator) {
		if interval > 0 {
			c.pollInterval = interval
		}
		if attempts > 0 {
			c.pollAttempts = attempts
		}
	}
}

func WithJitter(frac float64) Option {
	return func(c *Coordinator) { c.jitter = frac }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func New(account string, api VehicleAPI, opts ...Option) *Coordinator {
	c := &Coordinator{
		account:      account,
		api:          api,
		logger:       slog.Default(),
		now:          time.Now,
		pollInterval: DefaultPollInterval,
		pollAttempts: DefaultPollAttempts,
		jitter:       defaultJitter,
		vehicles:     map[string]model.Vehicle{},
		entries:      map[string]*entry{},
		health:       HealthPending,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "coordinator", "account", account)
	c.machine = newRefreshMachine(c.logger)
	c.life, c.cancel = context.WithCancel(context.Background())
	return c
}

func (c *Coordinator) Account() string { return c.account }

// Close stops in-flight polling loops. Later refresh calls fail.
func (c *Coordinator) Close() {
	c.cancel()
}

// Load restores vehicles and snapshots from the store. Restored snapshots are
// stale until the first successful refresh.
func (c *Coordinator) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	vehicles, err := c.store.LoadVehicles(ctx, c.account)
	if err != nil {
		return fmt.Errorf("load vehicles: %w", err)
	}
	snaps, err := c.store.LoadSnapshots(ctx, c.account)
	if err != nil {
		return fmt.Errorf("load snapshots: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range vehicles {
		c.vehicles[v.VIN] = v
	}
	for _, s := range snaps {
		if _, ok := c.vehicles[s.VIN]; !ok {
			continue
		}
		c.entries[s.VIN] = &entry{snapshot: s, has: true, stale: true, warning: "restored from storage", updatedAt: s.FetchedAt}
	}
	c.logger.Info("restored state", "vehicles", len(vehicles), "snapshots", len(snaps))
	return nil
}

// Subscribe registers fn for every later event. fn runs on the refreshing
// goroutine and must not block.
func (c *Coordinator) Subscribe(fn func(Event)) {
	c.subMu.Lock()
	c.subscribers = append(c.subscribers, fn)
	c.subMu.Unlock()
}

func (c *Coordinator) emit(ev Event) {
	ev.Account = c.account
	c.subMu.RLock()
	subs := append([]func(Event){}, c.subscribers...)
	c.subMu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Vehicles returns the known vehicles sorted by VIN.
func (c *Coordinator) Vehicles() []model.Vehicle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Vehicle, 0, len(c.vehicles))
	for _, v := range c.vehicles {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VIN < out[j].VIN })
	return out
}

// Vehicle looks up one known vehicle.
func (c *Coordinator) Vehicle(vin string) (model.Vehicle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.vehicles[normalizeVIN(vin)]
	return v, ok
}

// Snapshot returns the latest snapshot of vin or ErrSnapshotUnavailable.
func (c *Coordinator) Snapshot(vin string) (SnapshotView, error) {
	vin = normalizeVIN(vin)
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.viewLocked(vin)
}

// Snapshots returns every available snapshot sorted by VIN.
func (c *Coordinator) Snapshots() []SnapshotView {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]SnapshotView, 0, len(c.entries))
	for vin := range c.entries {
		if view, err := c.viewLocked(vin); err == nil {
			out = append(out, view)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Snapshot.VIN < out[j].Snapshot.VIN })
	return out
}

func (c *Coordinator) viewLocked(vin string) (SnapshotView, error) {
	v, known := c.vehicles[vin]
	e, ok := c.entries[vin]
	if !ok || !e.has {
		if !known && c.discovered {
			return SnapshotView{}, fmt.Errorf("%w: %s", ErrUnknownVehicle, logging.RedactVIN(vin))
		}
		return SnapshotView{}, ErrSnapshotUnavailable
	}
	return SnapshotView{
		Account:   c.account,
		Vehicle:   v,
		Snapshot:  e.snapshot,
		Stale:     e.stale,
		Warning:    e.warning,
		LastError:  e.lastError,
		AuthFailed: c.health == HealthAuthFailed,
		UpdatedAt:  e.updatedAt,
	}, nil
}

// Status reports account health and the current refresh state.
func (c *Coordinator) Status() AccountStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return AccountStatus{
		Account:     c.account,
		Health:      c.health,
		State:       c.machine.Current(),
		Vehicles:    len(c.vehicles),
		LastRefresh: c.lastRefresh,
		LastError:   c.lastError,
	}
}

// storeSnapshot merges fresh into the previous snapshot of its VIN and returns
// the resulting view.
func (c *Coordinator) storeSnapshot(ctx context.Context, fresh model.VehicleStatusSnapshot, stale bool, warning string) SnapshotView {
	vin := normalizeVIN(fresh.VIN)
	fresh.VIN = vin
	if fresh.FetchedAt.IsZero() {
		fresh.FetchedAt = c.now().UTC()
	}

	c.mu.Lock()
	e, ok := c.entries[vin]
	if !ok {
		e = &entry{}
		c.entries[vin] = e
	}
	var prev *model.VehicleStatusSnapshot
	if e.has {
		p := e.snapshot
		prev = &p
	}
	e.snapshot = fresh.Merge(prev)
	e.has = true
	e.stale = stale
	e.warning = warning
	e.lastError = ""
	e.updatedAt = c.now().UTC()
	if !stale && c.health == HealthAuthFailed {
		// a successful read proves the credentials work again
		c.health = HealthStale
	}
	view, _ := c.viewLocked(vin)
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.SaveSnapshot(ctx, c.account, view.Snapshot); err != nil {
			c.logger.Warn("persist snapshot failed", logging.VIN(vin), "err", err)
		}
	}
	c.emit(Event{Kind: EventSnapshot, VIN: vin, View: &view})
	return view
}

// markFailed keeps the previous snapshot of vin and flags it stale.
func (c *Coordinator) markFailed(vin string, err error) {
	c.mu.Lock()
	e, ok := c.entries[vin]
	if !ok {
		e = &entry{}
		c.entries[vin] = e
	}
	e.stale = true
	e.lastError = err.Error()
	view, viewErr := c.viewLocked(vin)
	c.mu.Unlock()
	if viewErr == nil {
		c.emit(Event{Kind: EventSnapshot, VIN: vin, View: &view})
	}
}

// markAllFailed flags every held snapshot stale after a cycle aborted for
// the whole account.
func (c *Coordinator) markAllFailed(err error) {
	warning := "cloud refresh failed"
	if audiapi.IsAuth(err) {
		warning = "account authentication failed"
	}
	c.mu.Lock()
	var views []SnapshotView
	for vin, e := range c.entries {
		if !e.has {
			continue
		}
		e.stale = true
		e.warning = warning
		e.lastError = err.Error()
		if view, viewErr := c.viewLocked(vin); viewErr == nil {
			views = append(views, view)
		}
	}
	c.mu.Unlock()
	sort.Slice(views, func(i, j int) bool { return views[i].Snapshot.VIN < views[j].Snapshot.VIN })
	for i := range views {
		c.emit(Event{Kind: EventSnapshot, VIN: views[i].Snapshot.VIN, View: &views[i]})
	}
}

// throttleRemaining is the time left before the vendor may be asked again.
func (c *Coordinator) throttleRemaining() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.throttledUntil.IsZero() {
		return 0
	}
	return c.throttledUntil.Sub(c.now())
}

func (c *Coordinator) setThrottled(retryAfter time.Duration) {
	if retryAfter < minThrottleHold {
		retryAfter = minThrottleHold
	}
	c.mu.Lock()
	c.throttledUntil = c.now().Add(retryAfter)
	c.mu.Unlock()
}

func (c *Coordinator) setHealth(h Health, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health = h
	if err != nil {
		c.lastError = err.Error()
	} else {
		c.lastError = ""
	}
	if h == HealthAuthFailed {
		// credentials may now belong to another vehicle set
		c.discovered = false
	}
}

// execCtx detaches shared work from a single caller and bounds it by the
// coordinator lifetime.
func (c *Coordinator) execCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(c.life, cancel)
	return execCtx, func() {
		stop()
		cancel()
	}
}

func normalizeVIN(vin string) string {
	return strings.ToUpper(strings.TrimSpace(vin))
}
