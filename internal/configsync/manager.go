package configsync

import (
	"context"
	"log/slog"
	"reflect"
	"sync"

	"github.com/micro-ha/audiconnect/addon/internal/model"
)

type Manager struct {
	loader *OptionsLoader
	logger *slog.Logger

	mu         sync.RWMutex
	configured bool
	options    model.Options
}

func NewManager(loader *OptionsLoader, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{loader: loader, logger: logger}
}

// Refresh reloads the options and reports whether they differ from the
// cached copy.
func (m *Manager) Refresh(ctx context.Context) (bool, error) {
	res, err := m.loader.FetchOptions(ctx)
	if err != nil {
		return false, err
	}
	for _, msg := range res.Invalid {
		m.logger.Warn("ignoring invalid account options", "reason", msg)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	if !res.Configured {
		if m.configured {
			changed = true
		}
		m.configured = false
		m.options = model.Options{}
		return changed, nil
	}

	if !m.configured || !reflect.DeepEqual(res.Options, m.options) {
		changed = true
	}
	m.configured = true
	m.options = res.Options
	return changed, nil
}

func (m *Manager) Get() (model.Options, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.configured {
		return model.Options{}, false
	}
	return m.options, true
}
