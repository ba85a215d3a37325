// Package service is the host boundary: it owns one coordinator, action
// executor and poller per configured account and routes VINs to them.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/micro-ha/audiconnect/addon/internal/action"
	"github.com/micro-ha/audiconnect/addon/internal/adapters/ha"
	"github.com/micro-ha/audiconnect/addon/internal/configsync"
	"github.com/micro-ha/audiconnect/addon/internal/coordinator"
	"github.com/micro-ha/audiconnect/addon/internal/logging"
	"github.com/micro-ha/audiconnect/addon/internal/model"
	"github.com/micro-ha/audiconnect/addon/internal/poller"
)

var (
	ErrIntegrationNotConfigured = errors.New("integration not configured")
	ErrAuthFailed               = errors.New("account authentication failed")
)

const outcomeWriteTimeout = 5 * time.Second

// VehicleClient is everything an account needs from the vendor API.
type VehicleClient interface {
	coordinator.VehicleAPI
	action.VehicleAPI
}

// ClientFactory builds the vendor client of one account.
type ClientFactory func(account model.AccountConfig) (VehicleClient, error)

// Store persists snapshots and action outcomes. Optional.
type Store interface {
	coordinator.SnapshotStore
	SaveOutcome(ctx context.Context, outcome model.ActionOutcome) error
	ListOutcomes(ctx context.Context, vin string) ([]model.ActionOutcome, error)
	Ping(ctx context.Context) error
}

// Settings bound vehicle refresh and action completion polling.
type Settings struct {
	PollInterval time.Duration
	PollAttempts int
	Jitter       float64
}

func DefaultSettings() Settings {
	return Settings{
		PollInterval: coordinator.DefaultPollInterval,
		PollAttempts: coordinator.DefaultPollAttempts,
		Jitter:       0.1,
	}
}

// RefreshReport is the outcome of one account cloud refresh.
type RefreshReport struct {
	Account string            `json:"account"`
	Updated []string          `json:"updated"`
	Failed  map[string]string `json:"failed,omitempty"`
	Error   string            `json:"error,omitempty"`
}

type account struct {
	cfg    model.AccountConfig
	coord  *coordinator.Coordinator
	exec   *action.Executor
	poller *poller.Poller
	cancel context.CancelFunc
	done   chan struct{}
}

func (a *account) name() string { return a.cfg.Credentials.Username }

func (a *account) stop() {
	a.cancel()
	<-a.done
	a.coord.Close()
}

type Service struct {
	config    ha.ConfigProvider
	newClient ClientFactory
	store     Store
	settings  Settings
	logger    *slog.Logger

	subscribers []func(coordinator.Event)
	observers   []func(model.ActionOutcome)

	// applyMu serializes account rebuilds.
	applyMu sync.Mutex

	mu       sync.RWMutex
	runCtx   context.Context
	applied  bool
	accounts []*account
}

type Option func(*Service)

func WithStore(store Store) Option {
	return func(s *Service) { s.store = store }
}

func WithSettings(settings Settings) Option {
	return func(s *Service) { s.settings = settings }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithSubscriber receives the events of every account coordinator.
func WithSubscriber(fn func(coordinator.Event)) Option {
	return func(s *Service) { s.subscribers = append(s.subscribers, fn) }
}

// WithActionObserver receives every finished action outcome.
func WithActionObserver(fn func(model.ActionOutcome)) Option {
	return func(s *Service) { s.observers = append(s.observers, fn) }
}

func New(config ha.ConfigProvider, newClient ClientFactory, opts ...Option) *Service {
	s := &Service{
		config:    config,
		newClient: newClient,
		settings:  DefaultSettings(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "service")
	return s
}

// Start applies the current options. Pollers run until ctx is done or Stop
// is called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()
	return s.Sync(ctx)
}

// Sync reloads options and rebuilds the accounts when they changed.
func (s *Service) Sync(ctx context.Context) error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	changed, err := s.config.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("refresh options: %w", err)
	}
	s.mu.RLock()
	applied := s.applied
	s.mu.RUnlock()
	if applied && !changed {
		return nil
	}
	opts, ok := s.config.Get()
	if !ok {
		s.logger.Warn("no account configured")
	}
	return s.apply(ctx, opts.Accounts)
}

func (s *Service) apply(ctx context.Context, configs []model.AccountConfig) error {
	s.mu.Lock()
	old := s.accounts
	s.accounts = nil
	runCtx := s.runCtx
	s.mu.Unlock()
	if runCtx == nil {
		runCtx = ctx
	}

	for _, a := range old {
		a.stop()
	}

	var (
		built []*account
		errs  []error
	)
	for _, cfg := range configs {
		a, err := s.build(ctx, runCtx, cfg)
		if err != nil {
			s.logger.Error("account setup failed", "account", cfg.Credentials.Username, "err", err)
			errs = append(errs, fmt.Errorf("account %s: %w", cfg.Credentials.Username, err))
			continue
		}
		built = append(built, a)
	}

	s.mu.Lock()
	s.accounts = built
	s.applied = true
	s.mu.Unlock()
	s.logger.Info("accounts applied", "accounts", len(built), "failed", len(errs))
	return errors.Join(errs...)
}

func (s *Service) build(ctx, runCtx context.Context, cfg model.AccountConfig) (*account, error) {
	client, err := s.newClient(cfg)
	if err != nil {
		return nil, err
	}
	name := cfg.Credentials.Username

	coordOpts := []coordinator.Option{
		coordinator.WithLogger(s.logger),
		coordinator.WithPolling(s.settings.PollInterval, s.settings.PollAttempts),
		coordinator.WithJitter(s.settings.Jitter),
	}
	if s.store != nil {
		coordOpts = append(coordOpts, coordinator.WithStore(s.store))
	}
	coord := coordinator.New(name, client, coordOpts...)
	if err := coord.Load(ctx); err != nil {
		s.logger.Warn("restoring account state failed", "account", name, "err", err)
	}
	for _, fn := range s.subscribers {
		coord.Subscribe(fn)
	}

	execOpts := []action.Option{
		action.WithLogger(s.logger),
		action.WithPolling(s.settings.PollInterval, s.settings.PollAttempts),
		action.WithJitter(s.settings.Jitter),
		action.WithObserver(s.recordOutcome),
	}
	for _, fn := range s.observers {
		execOpts = append(execOpts, action.WithObserver(fn))
	}
	exec := action.New(client, coord, cfg.Credentials.HasPIN(), execOpts...)

	a := &account{
		cfg:    cfg,
		coord:  coord,
		exec:   exec,
		poller: poller.New(coord, cfg, s.logger),
		done:   make(chan struct{}),
	}
	pollCtx, cancel := context.WithCancel(runCtx)
	a.cancel = cancel
	go func() {
		defer close(a.done)
		a.poller.Run(pollCtx)
	}()
	s.logger.Info("account started", "account", cfg.Credentials.String())
	return a, nil
}

// Stop halts every account. Safe to call more than once.
func (s *Service) Stop() {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	old := s.accounts
	s.accounts = nil
	s.mu.Unlock()
	for _, a := range old {
		a.stop()
	}
}

func (s *Service) list() []*account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*account(nil), s.accounts...)
}

func (s *Service) Configured() bool {
	return len(s.list()) > 0
}

// Ping reports whether the store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	return s.store.Ping(ctx)
}

func (s *Service) AccountStatuses() []coordinator.AccountStatus {
	accounts := s.list()
	out := make([]coordinator.AccountStatus, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, a.coord.Status())
	}
	return out
}

// Snapshots lists every available snapshot of every account, sorted by VIN.
func (s *Service) Snapshots() []coordinator.SnapshotView {
	var out []coordinator.SnapshotView
	for _, a := range s.list() {
		out = append(out, a.coord.Snapshots()...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Snapshot.VIN < out[j].Snapshot.VIN })
	return out
}

// Snapshot returns the latest snapshot of vin. Before the first refresh of
// the owning account it returns coordinator.ErrSnapshotUnavailable, or
// ErrAuthFailed when that account cannot log in.
func (s *Service) Snapshot(vin string) (coordinator.SnapshotView, error) {
	accounts := s.list()
	if len(accounts) == 0 {
		return coordinator.SnapshotView{}, ErrIntegrationNotConfigured
	}
	if a, ok := owner(accounts, vin); ok {
		view, err := a.coord.Snapshot(vin)
		if errors.Is(err, coordinator.ErrSnapshotUnavailable) && a.coord.Status().Health == coordinator.HealthAuthFailed {
			return view, ErrAuthFailed
		}
		return view, err
	}

	pending, authFailed := false, false
	for _, a := range accounts {
		switch a.coord.Status().Health {
		case coordinator.HealthPending:
			pending = true
		case coordinator.HealthAuthFailed:
			authFailed = true
		}
	}
	switch {
	case pending:
		return coordinator.SnapshotView{}, coordinator.ErrSnapshotUnavailable
	case authFailed:
		return coordinator.SnapshotView{}, ErrAuthFailed
	default:
		return coordinator.SnapshotView{}, unknownVehicle(vin)
	}
}

// RefreshCloud refreshes every account concurrently. The error joins the
// account level failures; per vehicle failures are only in the reports.
func (s *Service) RefreshCloud(ctx context.Context) ([]RefreshReport, error) {
	accounts := s.list()
	if len(accounts) == 0 {
		return nil, ErrIntegrationNotConfigured
	}
	reports := make([]RefreshReport, len(accounts))
	errs := make([]error, len(accounts))

	var g errgroup.Group
	for i, a := range accounts {
		i, a := i, a
		g.Go(func() error {
			res, err := a.coord.RefreshCloud(ctx)
			report := RefreshReport{Account: a.name(), Updated: res.Updated}
			if len(res.Errors) > 0 {
				report.Failed = make(map[string]string, len(res.Errors))
				for vin, ferr := range res.Errors {
					report.Failed[vin] = ferr.Error()
				}
			}
			if err != nil {
				report.Error = err.Error()
				errs[i] = fmt.Errorf("%s: %w", a.name(), err)
			}
			reports[i] = report
			return nil
		})
	}
	_ = g.Wait()
	return reports, errors.Join(errs...)
}

// TriggerRefresh asks every poller for an immediate cycle without waiting.
func (s *Service) TriggerRefresh() {
	for _, a := range s.list() {
		a.poller.TriggerRefresh()
	}
}

func (s *Service) RefreshVehicle(ctx context.Context, vin string) (coordinator.VehicleRefreshResult, error) {
	accounts := s.list()
	if len(accounts) == 0 {
		return coordinator.VehicleRefreshResult{}, ErrIntegrationNotConfigured
	}
	if a, ok := owner(accounts, vin); ok {
		return a.coord.RefreshVehicle(ctx, vin)
	}
	// not discovered yet; let each account look it up
	for _, a := range accounts {
		res, err := a.coord.RefreshVehicle(ctx, vin)
		if errors.Is(err, coordinator.ErrUnknownVehicle) {
			continue
		}
		return res, err
	}
	return coordinator.VehicleRefreshResult{}, unknownVehicle(vin)
}

// Execute runs a remote action on the account owning req.VIN.
func (s *Service) Execute(ctx context.Context, req model.ActionRequest) (model.ActionOutcome, error) {
	accounts := s.list()
	if len(accounts) == 0 {
		return model.ActionOutcome{}, ErrIntegrationNotConfigured
	}
	a, ok := owner(accounts, req.VIN)
	if !ok {
		a, ok = s.discoverOwner(ctx, accounts, req.VIN)
	}
	if !ok {
		err := unknownVehicle(req.VIN)
		return model.ActionOutcome{
			VIN:        strings.ToUpper(strings.TrimSpace(req.VIN)),
			Kind:       req.Kind,
			Status:     model.OutcomeFailed,
			Message:    err.Error(),
			FinishedAt: time.Now().UTC(),
		}, err
	}
	return a.exec.Execute(ctx, req)
}

// Outcomes returns the last outcome per action kind of vin.
func (s *Service) Outcomes(ctx context.Context, vin string) ([]model.ActionOutcome, error) {
	if s.store != nil {
		return s.store.ListOutcomes(ctx, vin)
	}
	a, ok := owner(s.list(), vin)
	if !ok {
		return nil, unknownVehicle(vin)
	}
	return a.exec.LastOutcomes(vin), nil
}

// HandleCommand dispatches a host event. Long running work continues in the
// background bound to the service lifetime.
func (s *Service) HandleCommand(cmd configsync.Command) {
	s.mu.RLock()
	ctx := s.runCtx
	s.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := s.logger.With("event", cmd.Event)

	switch cmd.Event {
	case configsync.EventRefreshCloud:
		s.TriggerRefresh()
	case configsync.EventConfigUpdated:
		go func() {
			if err := s.Sync(ctx); err != nil {
				logger.Error("options reload failed", "err", err)
			}
		}()
	case configsync.EventRefreshVehicle:
		go func() {
			res, err := s.RefreshVehicle(ctx, cmd.VIN)
			if err != nil {
				logger.Warn("vehicle refresh failed", logging.VIN(cmd.VIN), "err", err)
				return
			}
			logger.Info("vehicle refresh finished", logging.VIN(cmd.VIN), "stale", res.Stale)
		}()
	case configsync.EventExecuteAction, configsync.EventStartClimateControl:
		go func() {
			outcome, err := s.Execute(ctx, model.ActionRequest{VIN: cmd.VIN, Kind: cmd.Action, Params: cmd.Params})
			if err != nil {
				logger.Warn("action rejected", logging.VIN(cmd.VIN), "action", cmd.Action, "err", err)
				return
			}
			logger.Info("action finished", logging.VIN(cmd.VIN), "action", cmd.Action, "status", outcome.Status)
		}()
	}
}

func (s *Service) recordOutcome(outcome model.ActionOutcome) {
	if s.store == nil || outcome.Status == model.OutcomeBusy {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), outcomeWriteTimeout)
	defer cancel()
	if err := s.store.SaveOutcome(ctx, outcome); err != nil {
		s.logger.Warn("persisting action outcome failed", logging.VIN(outcome.VIN), "err", err)
	}
}

func owner(accounts []*account, vin string) (*account, bool) {
	for _, a := range accounts {
		if _, ok := a.coord.Vehicle(vin); ok {
			return a, true
		}
	}
	return nil, false
}

// discoverOwner lists the vehicles of every account until one owns vin.
// Accounts that cannot list their vehicles are skipped.
func (s *Service) discoverOwner(ctx context.Context, accounts []*account, vin string) (*account, bool) {
	for _, a := range accounts {
		if _, err := a.coord.Discover(ctx); err != nil {
			s.logger.Warn("vehicle discovery failed", "account", a.name(), "err", err)
			continue
		}
		if _, ok := a.coord.Vehicle(vin); ok {
			return a, true
		}
	}
	return nil, false
}

func unknownVehicle(vin string) error {
	return fmt.Errorf("%w: %s", coordinator.ErrUnknownVehicle, logging.RedactVIN(strings.ToUpper(strings.TrimSpace(vin))))
}
