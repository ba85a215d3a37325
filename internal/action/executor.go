// Package action runs remote vehicle commands: local validation, one command
// per vehicle and category, completion polling and the follow-up refresh.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/micro-ha/audiconnect/addon/internal/audiapi"
	"github.com/micro-ha/audiconnect/addon/internal/backoff"
	"github.com/micro-ha/audiconnect/addon/internal/coordinator"
	"github.com/micro-ha/audiconnect/addon/internal/logging"
	"github.com/micro-ha/audiconnect/addon/internal/model"
)

var (
	ErrUnknownAction = errors.New("unknown action")
	ErrNotCapable    = errors.New("vehicle does not support action")
)

const (
	DefaultPollInterval = 10 * time.Second
	DefaultPollAttempts = 10
)

// VehicleAPI sends commands and reports their vendor progress.
type VehicleAPI interface {
	SendAction(ctx context.Context, vin string, kind model.ActionKind, params model.ActionParams) (audiapi.ActionHandle, error)
	ActionStatus(ctx context.Context, handle audiapi.ActionHandle) (audiapi.ActionState, error)
}

// Refresher is the part of the update coordinator the executor needs.
type Refresher interface {
	Vehicle(vin string) (model.Vehicle, bool)
	RefreshVehicle(ctx context.Context, vin string) (coordinator.VehicleRefreshResult, error)
}

type lockKey struct {
	vin      string
	category model.ActionCategory
}

type Executor struct {
	api       VehicleAPI
	refresher Refresher
	hasPIN    bool
	logger    *slog.Logger
	now       func() time.Time

	pollInterval time.Duration
	pollAttempts int
	jitter       float64
	observers    []func(model.ActionOutcome)

	mu    sync.Mutex
	locks map[lockKey]*sync.Mutex

	outcomeMu sync.RWMutex
	outcomes  map[string]map[model.ActionKind]model.ActionOutcome
}

type Option func(*Executor)

func WithPolling(interval time.Duration, attempts int) Option {
	return func(e *Executor) {
		if interval > 0 {
			e.pollInterval = interval
		}
		if attempts > 0 {
			e.pollAttempts = attempts
		}
	}
}

func WithJitter(frac float64) Option {
	return func(e *Executor) { e.jitter = frac }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithObserver is called with every finished outcome, busy ones included.
func WithObserver(fn func(model.ActionOutcome)) Option {
	return func(e *Executor) { e.observers = append(e.observers, fn) }
}

// New builds an executor for one account. hasPIN tells whether PIN-gated
// commands can be signed.
func New(api VehicleAPI, refresher Refresher, hasPIN bool, opts ...Option) *Executor {
	e := &Executor{
		api:          api,
		refresher:    refresher,
		hasPIN:       hasPIN,
		logger:       slog.Default(),
		now:          time.Now,
		pollInterval: DefaultPollInterval,
		pollAttempts: DefaultPollAttempts,
		jitter:       0.1,
		locks:        map[lockKey]*sync.Mutex{},
		outcomes:     map[string]map[model.ActionKind]model.ActionOutcome{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "action_executor")
	return e
}

// Execute validates req, sends it and waits for a terminal vendor state.
// Validation failures are returned as errors before any vendor request. A
// second command of the same category for a VIN returns a busy outcome while
// the first is pending.
func (e *Executor) Execute(ctx context.Context, req model.ActionRequest) (model.ActionOutcome, error) {
	req.VIN = strings.ToUpper(strings.TrimSpace(req.VIN))
	if err := e.validate(req); err != nil {
		return model.ActionOutcome{VIN: req.VIN, Kind: req.Kind, Status: model.OutcomeFailed, Message: err.Error(), FinishedAt: e.now().UTC()}, err
	}
	logger := e.logger.With(logging.VIN(req.VIN), "action", req.Kind)

	lock := e.lockFor(lockKey{vin: req.VIN, category: req.Kind.Category()})
	if !lock.TryLock() {
		logger.Info("action rejected, category busy", "category", req.Kind.Category())
		return e.finish(model.ActionOutcome{
			VIN:     req.VIN,
			Kind:    req.Kind,
			Status:  model.OutcomeBusy,
			Message: fmt.Sprintf("a %s action is already pending", req.Kind.Category()),
		}, false), nil
	}
	released := false
	release := func() {
		if !released {
			released = true
			lock.Unlock()
		}
	}
	defer release()

	req.Status = model.RequestPending
	handle, err := e.api.SendAction(ctx, req.VIN, req.Kind, req.Params)
	if err != nil {
		logger.Warn("action send failed", "err", err)
		req.Status = model.RequestFailed
		return e.finish(model.ActionOutcome{VIN: req.VIN, Kind: req.Kind, Status: model.OutcomeFailed, Message: err.Error()}, false), err
	}
	req.RequestID = handle.RequestID

	if !handle.Tracked() {
		logger.Info("action accepted without a request id")
		return e.finish(model.ActionOutcome{
			VIN:     req.VIN,
			Kind:    req.Kind,
			Status:  model.OutcomeUnknown,
			Message: "accepted; vendor does not report completion",
		}, false), nil
	}

	req.Status = e.await(ctx, logger, handle)
	// the request is over; the follow-up refresh must not block the category
	release()
	outcome := model.ActionOutcome{VIN: req.VIN, Kind: req.Kind, RequestID: req.RequestID}
	switch req.Status {
	case model.RequestSucceeded:
		outcome.Status = model.OutcomeSucceeded
	case model.RequestFailed:
		outcome.Status = model.OutcomeFailed
		outcome.Message = "vendor reported failure"
	default:
		outcome.Status = model.OutcomeUnknown
		outcome.Message = unknownMessage(ctx, req.Status)
	}
	logger.Info("action finished", "status", outcome.Status, "request_id", outcome.RequestID)
	return e.finish(outcome, outcome.Status == model.OutcomeSucceeded), nil
}

func (e *Executor) validate(req model.ActionRequest) error {
	if !req.Kind.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownAction, req.Kind)
	}
	vehicle, ok := e.refresher.Vehicle(req.VIN)
	if !ok {
		return fmt.Errorf("%w: %s", coordinator.ErrUnknownVehicle, logging.RedactVIN(req.VIN))
	}
	if !vehicle.Has(req.Kind.Capability()) {
		return fmt.Errorf("%w: %s needs %s", ErrNotCapable, req.Kind, req.Kind.Capability())
	}
	if req.Kind.RequiresPIN() && !e.hasPIN {
		return audiapi.ErrPINRequired
	}
	return nil
}

// await polls the vendor until a terminal state or the attempt bound. The
// returned status is pending when no terminal state was observed.
func (e *Executor) await(ctx context.Context, logger *slog.Logger, handle audiapi.ActionHandle) model.RequestStatus {
	for attempt := 1; attempt <= e.pollAttempts; attempt++ {
		if err := backoff.Sleep(ctx, backoff.Jitter(e.pollInterval, e.jitter)); err != nil {
			return model.RequestPending
		}
		state, err := e.api.ActionStatus(ctx, handle)
		if err != nil {
			if ctx.Err() != nil {
				return model.RequestPending
			}
			logger.Debug("action status failed", "attempt", attempt, "err", err)
			continue
		}
		switch state {
		case audiapi.ActionSucceeded:
			return model.RequestSucceeded
		case audiapi.ActionFailed:
			return model.RequestFailed
		case audiapi.ActionPartial:
			// accepted but not confirmed at the vehicle
			return model.RequestTimedOut
		}
	}
	return model.RequestTimedOut
}

func unknownMessage(ctx context.Context, status model.RequestStatus) string {
	if ctx.Err() != nil {
		return "cancelled before the vendor reported completion"
	}
	if status == model.RequestTimedOut {
		return "vendor did not confirm completion; the command may still complete"
	}
	return "completion not observed"
}

// finish stamps and records outcome and, for succeeded commands, runs one
// vehicle refresh so the new state is visible.
func (e *Executor) finish(outcome model.ActionOutcome, refresh bool) model.ActionOutcome {
	if refresh {
		// The command already succeeded; the refresh outlives a cancelled caller.
		ctx := context.Background()
		result, err := e.refresher.RefreshVehicle(ctx, outcome.VIN)
		switch {
		case err != nil:
			e.logger.Warn("refresh after action failed", logging.VIN(outcome.VIN), "err", err)
			outcome.Message = "state refresh failed: " + err.Error()
		case result.Stale:
			outcome.Message = result.Warning
		}
	}
	outcome.FinishedAt = e.now().UTC()

	if outcome.Status != model.OutcomeBusy {
		e.outcomeMu.Lock()
		byKind, ok := e.outcomes[outcome.VIN]
		if !ok {
			byKind = map[model.ActionKind]model.ActionOutcome{}
			e.outcomes[outcome.VIN] = byKind
		}
		byKind[outcome.Kind] = outcome
		e.outcomeMu.Unlock()
	}
	for _, fn := range e.observers {
		fn(outcome)
	}
	return outcome
}

// LastOutcomes returns the last finished outcome of each action kind run for
// vin, sorted by kind.
func (e *Executor) LastOutcomes(vin string) []model.ActionOutcome {
	e.outcomeMu.RLock()
	defer e.outcomeMu.RUnlock()
	byKind := e.outcomes[strings.ToUpper(strings.TrimSpace(vin))]
	out := make([]model.ActionOutcome, 0, len(byKind))
	for _, o := range byKind {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

func (e *Executor) lockFor(key lockKey) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[key]
	if !ok {
		l = &sync.Mutex{}
		e.locks[key] = l
	}
	return l
}
