package ha

import (
	"context"

	"github.com/micro-ha/audiconnect/addon/internal/configsync"
	"github.com/micro-ha/audiconnect/addon/internal/model"
)

// ConfigProvider exposes the current add-on options.
type ConfigProvider interface {
	Get() (model.Options, bool)
	Refresh(ctx context.Context) (bool, error)
}

// ManagerAdapter adapts the configsync manager to ConfigProvider.
type ManagerAdapter struct {
	manager *configsync.Manager
}

func NewManagerAdapter(manager *configsync.Manager) *ManagerAdapter {
	return &ManagerAdapter{manager: manager}
}

func (a *ManagerAdapter) Get() (model.Options, bool) {
	return a.manager.Get()
}

// Refresh reloads options and reports whether they changed.
func (a *ManagerAdapter) Refresh(ctx context.Context) (bool, error) {
	return a.manager.Refresh(ctx)
}

// StaticProvider serves fixed options; used when options come from the
// environment only and in tests.
type StaticProvider struct {
	Options model.Options
}

func (p StaticProvider) Get() (model.Options, bool) {
	return p.Options, len(p.Options.Accounts) > 0
}

func (p StaticProvider) Refresh(context.Context) (bool, error) {
	return false, nil
}
