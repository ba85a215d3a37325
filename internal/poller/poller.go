package poller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/micro-ha/audiconnect/addon/internal/audiapi"
	"github.com/micro-ha/audiconnect/addon/internal/backoff"
	"github.com/micro-ha/audiconnect/addon/internal/coordinator"
	"github.com/micro-ha/audiconnect/addon/internal/model"
)

const (
	maxThrottleBackoff = time.Hour
	scheduleJitter     = 0.1
)

type CloudRefresher interface {
	RefreshCloud(ctx context.Context) (coordinator.CloudResult, error)
}

// Poller runs the scheduled cloud refresh of one account.
type Poller struct {
	refresher CloudRefresher
	account   model.AccountConfig
	refreshCh chan struct{}
	logger    *slog.Logger
	now       func() time.Time

	throttled      int
	throttledUntil time.Time
}

func New(refresher CloudRefresher, account model.AccountConfig, logger *slog.Logger) *Poller {
	return &Poller{
		refresher: refresher,
		account:   account,
		refreshCh: make(chan struct{}, 1),
		logger:    logger.With("component", "poller", "account", account.Credentials.Username),
		now:       time.Now,
	}
}

// TriggerRefresh asks for an immediate cycle. Triggers arriving while one is
// pending coalesce; triggers arriving while the vendor throttles are dropped.
func (p *Poller) TriggerRefresh() {
	select {
	case p.refreshCh <- struct{}{}:
	default:
	}
}

func (p *Poller) Run(ctx context.Context) {
	if p.account.ScanInitial {
		p.TriggerRefresh()
	}
	if !p.account.ScanActive {
		p.logger.Info("scheduled polling disabled; refreshing on demand only")
	}

	var due time.Time
	for {
		if due.IsZero() && p.account.ScanActive {
			due = p.now().Add(backoff.Jitter(p.account.ScanInterval(), scheduleJitter))
		}
		var timer *time.Timer
		var timerC <-chan time.Time
		if !due.IsZero() {
			timer = time.NewTimer(due.Sub(p.now()))
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return
		case <-p.refreshCh:
			stopTimer(timer)
			if p.backingOff() {
				p.logger.Info("refresh trigger dropped while throttled", "until", p.throttledUntil)
				continue
			}
		case <-timerC:
		}

		_, err := p.refresher.RefreshCloud(ctx)
		if ctx.Err() != nil {
			return
		}
		due = time.Time{}
		if d := p.nextDelay(err); d > 0 {
			due = p.now().Add(d)
		}
	}
}

func (p *Poller) backingOff() bool {
	return !p.throttledUntil.IsZero() && p.now().Before(p.throttledUntil)
}

// nextDelay returns the wait before the next cycle, zero meaning the regular
// schedule.
func (p *Poller) nextDelay(err error) time.Duration {
	if retryAfter, ok := audiapi.IsThrottled(err); ok {
		p.throttled++
		d := backoff.Exponential(p.account.ScanInterval(), maxThrottleBackoff, p.throttled, retryAfter)
		p.throttledUntil = p.now().Add(d)
		p.logger.Warn("vendor throttled polling, backing off", "delay", d, "consecutive", p.throttled)
		return d
	}
	p.throttled = 0
	p.throttledUntil = time.Time{}
	switch {
	case err == nil:
	case audiapi.IsAuth(err):
		p.logger.Error("poll failed; check credentials", "err", err)
	case errors.Is(err, coordinator.ErrClosed):
		p.logger.Info("poll skipped; account closed")
	default:
		p.logger.Error("poll failed", "err", err)
	}
	return 0
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
