// Package audiapi talks to the vendor connected-car cloud: it owns the
// account session and hides the differences between api levels behind one
// client.
package audiapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/micro-ha/audiconnect/addon/internal/model"
	"github.com/micro-ha/audiconnect/addon/internal/region"
	"github.com/micro-ha/audiconnect/addon/internal/spin"
)

const (
	DefaultRateLimit = 2.0
	DefaultBurst     = 4
)

// ActionState is the vendor progress of a sent command.
type ActionState string

const (
	ActionPending   ActionState = "pending"
	ActionSucceeded ActionState = "succeeded"
	ActionFailed    ActionState = "failed"
	// ActionPartial means the vendor accepted the command but could not
	// confirm it reached the vehicle.
	ActionPartial ActionState = "partial"
)

// ActionHandle identifies a sent command for status polling. An empty
// RequestID means the vendor accepted the command without a way to follow it.
type ActionHandle struct {
	VIN       string
	Kind      model.ActionKind
	RequestID string
	statusURL string
	family    statusFamily
}

func (h ActionHandle) Tracked() bool {
	return h.RequestID != ""
}

// Client is the vehicle API client of one account.
type Client struct {
	creds     model.Credentials
	endpoints region.EndpointSet
	schema    Schema
	transport *transport
	sessions  *SessionManager
	signer    spin.Signer
	logger    *slog.Logger
	now       func() time.Time
}

type config struct {
	httpClient  *http.Client
	timeout     time.Duration
	limiter     *rate.Limiter
	logger      *slog.Logger
	endpoints   *region.EndpointSet
	signer      spin.Signer
	retryDelay  time.Duration
	now         func() time.Time
	sessionOpts []SessionOption
}

// Option configures the client.
type Option func(*config)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *config) { c.httpClient = httpClient }
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *config) { c.timeout = timeout }
}

// WithRateLimit paces vendor requests of this client.
func WithRateLimit(requestsPerSecond float64, burst int) Option {
	return func(c *config) {
		if requestsPerSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithEndpoints overrides the region lookup.
func WithEndpoints(endpoints region.EndpointSet) Option {
	return func(c *config) { c.endpoints = &endpoints }
}

func WithSigner(signer spin.Signer) Option {
	return func(c *config) { c.signer = signer }
}

func WithRetryDelay(d time.Duration) Option {
	return func(c *config) { c.retryDelay = d }
}

func WithClock(now func() time.Time) Option {
	return func(c *config) {
		c.now = now
		c.sessionOpts = append(c.sessionOpts, WithSessionClock(now))
	}
}

func WithSessionOptions(opts ...SessionOption) Option {
	return func(c *config) { c.sessionOpts = append(c.sessionOpts, opts...) }
}

// NewClient resolves the region and api level of creds and builds the client.
func NewClient(creds model.Credentials, opts ...Option) (*Client, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	cfg := config{
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultBurst),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	var endpoints region.EndpointSet
	if cfg.endpoints != nil {
		endpoints = *cfg.endpoints
	} else {
		resolved, err := region.Resolve(creds.Region)
		if err != nil {
			return nil, err
		}
		endpoints = resolved
	}

	schema, err := SchemaFor(creds.APILevel)
	if err != nil {
		return nil, err
	}

	signer := cfg.signer
	if signer == nil {
		if signer, err = spin.Lookup(spin.DefaultStrategy); err != nil {
			return nil, err
		}
	}

	httpClient := cfg.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if cfg.timeout > 0 {
		clone := *httpClient
		clone.Timeout = cfg.timeout
		httpClient = &clone
	}

	logger := cfg.logger.With("account", creds.Username, "region", endpoints.Region, "api_level", schema.Level().String())
	t := newTransport(httpClient, cfg.limiter, logger)
	if cfg.retryDelay > 0 {
		t.retryDelay = cfg.retryDelay
	}

	return &Client{
		creds:     creds,
		endpoints: endpoints,
		schema:    schema,
		transport: t,
		sessions:  newSessionManager(creds, endpoints, t, logger, cfg.sessionOpts...),
		signer:    signer,
		logger:    logger.With("component", "vehicle_api"),
		now:       cfg.now,
	}, nil
}

func (c *Client) Sessions() *SessionManager { return c.sessions }

func (c *Client) Level() model.APILevel { return c.schema.Level() }

func (c *Client) Endpoints() region.EndpointSet { return c.endpoints }

type tokenKind int

const (
	vehicleToken tokenKind = iota
	identityToken
)

// call sends r with a valid session. A 401 invalidates the session and the
// request is repeated once with a renewed one.
func (c *Client) call(ctx context.Context, r request, kind tokenKind) (*response, error) {
	for attempt := 0; ; attempt++ {
		s, err := c.sessions.EnsureValid(ctx)
		if err != nil {
			return nil, err
		}
		r.bearer = s.AccessToken
		if kind == identityToken && s.IdentityToken != "" {
			r.bearer = s.IdentityToken
		}

		resp, err := c.transport.do(ctx, r)
		if err != nil && IsAuth(err) && attempt == 0 {
			c.logger.Info("vendor rejected session, renewing", "endpoint", endpointName(r.url))
			c.sessions.Invalidate(s)
			continue
		}
		return resp, err
	}
}

type vehiclesResponse struct {
	UserVehicles []struct {
		VIN      string `json:"vin"`
		CSID     string `json:"csid"`
		Nickname string `json:"nickname"`
		Vehicle  *struct {
			Media *struct {
				LongName  string `json:"longName"`
				ShortName string `json:"shortName"`
			} `json:"media"`
			Core *struct {
				ModelYear flexString `json:"modelYear"`
			} `json:"core"`
		} `json:"vehicle"`
	} `json:"userVehicles"`
}

// ListVehicles returns the vehicles of the account.
func (c *Client) ListVehicles(ctx context.Context) ([]model.Vehicle, error) {
	endpoint := endpointName(c.endpoints.VehicleListURL)
	resp, err := c.call(ctx, request{method: http.MethodGet, url: c.endpoints.VehicleListURL, retry: true}, identityToken)
	if err != nil {
		return nil, fmt.Errorf("list vehicles: %w", err)
	}

	var payload vehiclesResponse
	if err := decodeJSON(endpoint, resp.body, &payload); err != nil {
		return nil, err
	}
	if payload.UserVehicles == nil {
		return nil, &SchemaMismatchError{Endpoint: endpoint, Detail: "userVehicles missing"}
	}

	vehicles := make([]model.Vehicle, 0, len(payload.UserVehicles))
	for _, item := range payload.UserVehicles {
		vin := strings.ToUpper(strings.TrimSpace(item.VIN))
		if vin == "" {
			continue
		}
		v := model.Vehicle{VIN: vin, CSID: item.CSID, Title: strings.TrimSpace(item.Nickname), APILevel: c.schema.Level()}
		if item.Vehicle != nil && item.Vehicle.Media != nil {
			v.Model = item.Vehicle.Media.LongName
			if v.Title == "" {
				v.Title = item.Vehicle.Media.ShortName
			}
		}
		if item.Vehicle != nil && item.Vehicle.Core != nil {
			if year, ok := item.Vehicle.Core.ModelYear.Int(); ok {
				v.ModelYear = year
			}
		}
		vehicles = append(vehicles, v)
	}
	return vehicles, nil
}

// FetchStatus reads the vendor cached state of vin.
func (c *Client) FetchStatus(ctx context.Context, vin string) (model.VehicleStatusSnapshot, error) {
	snap := model.VehicleStatusSnapshot{VIN: strings.ToUpper(vin)}
	for _, src := range c.schema.statusSources() {
		target := c.endpoints.ServiceURL(src.service, src.version, vin, src.suffix)
		resp, err := c.call(ctx, request{method: http.MethodGet, url: target, retry: true}, vehicleToken)
		if err != nil {
			if src.optional && IsPermission(err) {
				c.logger.Debug("status source not available", "source", src.name, "error", err)
				continue
			}
			return model.VehicleStatusSnapshot{}, fmt.Errorf("fetch %s: %w", src.name, err)
		}
		if resp.status == http.StatusNoContent {
			if src.optional {
				continue
			}
			return model.VehicleStatusSnapshot{}, &SchemaMismatchError{Endpoint: endpointName(target), Detail: "no content"}
		}
		if err := src.apply(endpointName(target), resp.body, &snap); err != nil {
			c.logger.Warn("vendor status shape changed", "source", src.name, "error", err)
			return model.VehicleStatusSnapshot{}, err
		}
	}
	snap.FetchedAt = c.now().UTC()
	return snap, nil
}

// FetchPosition returns ErrPositionUnavailable while the vehicle is moving and
// PermissionError when the account may not locate the vehicle.
func (c *Client) FetchPosition(ctx context.Context, vin string) (model.Position, error) {
	target := c.endpoints.ServiceURL("bs/cf", "v1", vin, "position")
	resp, err := c.call(ctx, request{method: http.MethodGet, url: target, retry: true}, vehicleToken)
	if err != nil {
		return model.Position{}, err
	}
	if resp.status == http.StatusNoContent || len(strings.TrimSpace(string(resp.body))) == 0 {
		return model.Position{}, ErrPositionUnavailable
	}
	return parsePosition(endpointName(target), resp.body)
}

// RequestVehicleRefresh asks the vehicle to push fresh data and returns the
// vendor request id.
func (c *Client) RequestVehicleRefresh(ctx context.Context, vin string) (string, error) {
	target := c.endpoints.ServiceURL("bs/vsr", "v1", vin, "requests")
	resp, err := c.call(ctx, request{method: http.MethodPost, url: target}, vehicleToken)
	if err != nil {
		return "", fmt.Errorf("request vehicle refresh: %w", err)
	}
	var payload struct {
		CurrentVehicleDataResponse *struct {
			RequestID flexString `json:"requestId"`
			VIN       string     `json:"vin"`
		} `json:"CurrentVehicleDataResponse"`
	}
	endpoint := endpointName(target)
	if err := decodeJSON(endpoint, resp.body, &payload); err != nil {
		return "", err
	}
	if payload.CurrentVehicleDataResponse == nil || payload.CurrentVehicleDataResponse.RequestID.String() == "" {
		return "", &SchemaMismatchError{Endpoint: endpoint, Detail: "CurrentVehicleDataResponse.requestId missing"}
	}
	return payload.CurrentVehicleDataResponse.RequestID.String(), nil
}

// VehicleRefreshStatus reports the progress of a vehicle refresh request.
func (c *Client) VehicleRefreshStatus(ctx context.Context, vin, requestID string) (ActionState, error) {
	target := c.endpoints.ServiceURL("bs/vsr", "v1", vin, "requests/"+requestID+"/jobstatus")
	resp, err := c.call(ctx, request{method: http.MethodGet, url: target, retry: true}, vehicleToken)
	if err != nil {
		return "", err
	}
	return parseActionState(endpointName(target), resp.body, familyRequest)
}

// SendAction sends a command. PIN-gated commands first complete the vendor
// S-PIN challenge; without a configured PIN they fail before any request.
func (c *Client) SendAction(ctx context.Context, vin string, kind model.ActionKind, params model.ActionParams) (ActionHandle, error) {
	spec, err := c.schema.action(kind, params)
	if err != nil {
		return ActionHandle{}, err
	}
	if spec.pinOperation != "" && !c.creds.HasPIN() {
		return ActionHandle{}, ErrPINRequired
	}

	r := request{
		method:      http.MethodPost,
		url:         c.endpoints.ServiceURL(spec.service, spec.version, vin, spec.suffix),
		contentType: spec.contentType,
		body:        spec.body,
		header:      http.Header{},
	}
	if spec.pinOperation != "" {
		token, err := c.securityToken(ctx, vin, spec.pinOperation)
		if err != nil {
			return ActionHandle{}, fmt.Errorf("s-pin challenge: %w", err)
		}
		r.header.Set("x-mbbSecToken", token)
	}

	resp, err := c.call(ctx, r, vehicleToken)
	if err != nil {
		return ActionHandle{}, fmt.Errorf("send %s: %w", kind, err)
	}

	endpoint := endpointName(r.url)
	id, err := spec.requestID(endpoint, resp.body)
	if err != nil {
		return ActionHandle{}, err
	}
	if id == "" && !spec.requestIDOptional {
		return ActionHandle{}, &SchemaMismatchError{Endpoint: endpoint, Detail: "request id missing"}
	}

	handle := ActionHandle{VIN: strings.ToUpper(vin), Kind: kind, RequestID: id, family: spec.family}
	if id != "" {
		handle.statusURL = c.endpoints.ServiceURL(spec.service, spec.version, vin, spec.statusSuffix(id))
	}
	c.logger.Info("vehicle action sent", "action", kind, "request_id", id)
	return handle, nil
}

// ActionStatus polls the vendor once for the progress of handle.
func (c *Client) ActionStatus(ctx context.Context, handle ActionHandle) (ActionState, error) {
	if !handle.Tracked() || handle.statusURL == "" {
		return "", fmt.Errorf("action %s has no status endpoint", handle.Kind)
	}
	resp, err := c.call(ctx, request{method: http.MethodGet, url: handle.statusURL, retry: true}, vehicleToken)
	if err != nil {
		return "", err
	}
	return parseActionState(endpointName(handle.statusURL), resp.body, handle.family)
}

type pinChallengeResponse struct {
	SecurityPinAuthInfo *struct {
		SecurityToken           string `json:"securityToken"`
		SecurityPinTransmission *struct {
			Challenge string `json:"challenge"`
		} `json:"securityPinTransmission"`
	} `json:"securityPinAuthInfo"`
}

type pinCompletion struct {
	SecurityPinAuthentication pinAuthentication `json:"securityPinAuthentication"`
}

type pinAuthentication struct {
	SecurityPin struct {
		Challenge       string `json:"challenge"`
		SecurityPinHash string `json:"securityPinHash"`
	} `json:"securityPin"`
	SecurityToken string `json:"securityToken"`
}

// securityToken runs the S-PIN challenge for one operation and returns the
// token the action request must carry.
func (c *Client) securityToken(ctx context.Context, vin, operation string) (string, error) {
	challengeURL := c.endpoints.PINChallengeURL(vin, operation)
	resp, err := c.call(ctx, request{method: http.MethodGet, url: challengeURL}, vehicleToken)
	if err != nil {
		return "", err
	}
	var challenge pinChallengeResponse
	endpoint := endpointName(challengeURL)
	if err := decodeJSON(endpoint, resp.body, &challenge); err != nil {
		return "", err
	}
	info := challenge.SecurityPinAuthInfo
	if info == nil || info.SecurityToken == "" || info.SecurityPinTransmission == nil || info.SecurityPinTransmission.Challenge == "" {
		return "", &SchemaMismatchError{Endpoint: endpoint, Detail: "securityPinAuthInfo incomplete"}
	}

	hash, err := c.signer.Sign(c.creds.SPIN, info.SecurityPinTransmission.Challenge)
	if err != nil {
		return "", err
	}

	var completion pinCompletion
	completion.SecurityPinAuthentication.SecurityPin.Challenge = info.SecurityPinTransmission.Challenge
	completion.SecurityPinAuthentication.SecurityPin.SecurityPinHash = hash
	completion.SecurityPinAuthentication.SecurityToken = info.SecurityToken
	body, err := json.Marshal(completion)
	if err != nil {
		return "", fmt.Errorf("encode s-pin completion: %w", err)
	}

	completionURL := c.endpoints.PINCompletionURL()
	resp, err = c.call(ctx, request{method: http.MethodPost, url: completionURL, contentType: "application/json", body: body}, vehicleToken)
	if err != nil {
		return "", err
	}
	var completed struct {
		SecurityToken string `json:"securityToken"`
	}
	endpoint = endpointName(completionURL)
	if err := decodeJSON(endpoint, resp.body, &completed); err != nil {
		return "", err
	}
	if completed.SecurityToken == "" {
		return "", &SchemaMismatchError{Endpoint: endpoint, Detail: "securityToken missing"}
	}
	return completed.SecurityToken, nil
}

var actionStates = map[string]ActionState{
	"request_successful":           ActionSucceeded,
	"succeeded":                    ActionSucceeded,
	"request_failed":               ActionFailed,
	"failed":                       ActionFailed,
	"request_partially_successful": ActionPartial,
	"succeeded_delayed":            ActionPartial,
	"delayed":                      ActionPartial,
	"request_in_progress":          ActionPending,
	"in_progress":                  ActionPending,
	"queued":                       ActionPending,
	"fetched":                      ActionPending,
}

func parseActionState(endpoint string, body []byte, family statusFamily) (ActionState, error) {
	var raw string
	switch family {
	case familyAction:
		var payload struct {
			Action *struct {
				ActionState string `json:"actionState"`
			} `json:"action"`
		}
		if err := decodeJSON(endpoint, body, &payload); err != nil {
			return "", err
		}
		if payload.Action == nil || payload.Action.ActionState == "" {
			return "", &SchemaMismatchError{Endpoint: endpoint, Detail: "action.actionState missing"}
		}
		raw = payload.Action.ActionState
	default:
		var payload struct {
			RequestStatusResponse *struct {
				Status string `json:"status"`
			} `json:"requestStatusResponse"`
		}
		if err := decodeJSON(endpoint, body, &payload); err != nil {
			return "", err
		}
		if payload.RequestStatusResponse == nil || payload.RequestStatusResponse.Status == "" {
			return "", &SchemaMismatchError{Endpoint: endpoint, Detail: "requestStatusResponse.status missing"}
		}
		raw = payload.RequestStatusResponse.Status
	}

	if state, ok := actionStates[strings.ToLower(raw)]; ok {
		return state, nil
	}
	// Unknown progress values keep the poll going until its bound.
	return ActionPending, nil
}
