package service

import (
	"log/slog"
	"time"

	"github.com/micro-ha/audiconnect/addon/internal/audiapi"
	"github.com/micro-ha/audiconnect/addon/internal/model"
)

// ClientOptions configure the vendor clients built by NewClientFactory.
type ClientOptions struct {
	Timeout   time.Duration
	RateLimit float64
	Tokens    audiapi.TokenStore
	// RenewHook returns the session renew hook of an account; may be nil.
	RenewHook func(account string) func(kind string, err error)
	Logger    *slog.Logger
}

// NewClientFactory builds real vendor clients.
func NewClientFactory(opts ClientOptions) ClientFactory {
	return func(acc model.AccountConfig) (VehicleClient, error) {
		var sessionOpts []audiapi.SessionOption
		if opts.Tokens != nil {
			sessionOpts = append(sessionOpts, audiapi.WithTokenStore(opts.Tokens))
		}
		if opts.RenewHook != nil {
			sessionOpts = append(sessionOpts, audiapi.WithRenewHook(opts.RenewHook(acc.Credentials.Username)))
		}
		clientOpts := []audiapi.Option{
			audiapi.WithRateLimit(opts.RateLimit, audiapi.DefaultBurst),
			audiapi.WithSessionOptions(sessionOpts...),
		}
		if opts.Timeout > 0 {
			clientOpts = append(clientOpts, audiapi.WithTimeout(opts.Timeout))
		}
		if opts.Logger != nil {
			clientOpts = append(clientOpts, audiapi.WithLogger(opts.Logger))
		}
		return audiapi.NewClient(acc.Credentials, clientOpts...)
	}
}
