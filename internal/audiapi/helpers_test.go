package audiapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/micro-ha/audiconnect/addon/internal/model"
	"github.com/micro-ha/audiconnect/addon/internal/region"
)

const testVIN = "WAUZZZ4G7EN123456"

// fakeVendor is an httptest server with per-path handlers and hit counters.
type fakeVendor struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	hits     map[string]int
	requests map[string][]*http.Request
	bodies   map[string][]string

	identityExpiresIn atomic.Int64
	mbbExpiresIn      atomic.Int64
	tokenSeq          atomic.Int64
}

func newFakeVendor(t *testing.T) *fakeVendor {
	t.Helper()
	f := &fakeVendor{
		t:        t,
		handlers: map[string]http.HandlerFunc{},
		hits:     map[string]int{},
		requests: map[string][]*http.Request{},
		bodies:   map[string][]string{},
	}
	f.identityExpiresIn.Store(86400)
	f.mbbExpiresIn.Store(3600)

	f.handle("/identity/token", func(w http.ResponseWriter, r *http.Request) {
		if r.PostForm.Get("password") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":"invalid_grant","error_description":"bad credentials"}`)
			return
		}
		writeJSON(w, map[string]any{
			"access_token": "identity-access",
			"id_token":     "identity-id",
			"expires_in":   f.identityExpiresIn.Load(),
		})
	})
	f.handle("/mbb/token", func(w http.ResponseWriter, r *http.Request) {
		seq := f.tokenSeq.Add(1)
		writeJSON(w, map[string]any{
			"access_token":  "vehicle-access-" + strconv.FormatInt(seq, 10),
			"refresh_token": "refresh-" + strconv.FormatInt(seq, 10),
			"expires_in":    f.mbbExpiresIn.Load(),
		})
	})

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))
		_ = r.ParseForm()

		f.mu.Lock()
		f.hits[r.URL.Path]++
		f.requests[r.URL.Path] = append(f.requests[r.URL.Path], r)
		f.bodies[r.URL.Path] = append(f.bodies[r.URL.Path], string(body))
		h := f.handlers[r.URL.Path]
		f.mu.Unlock()

		if h == nil {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeVendor) handle(path string, h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[path] = h
}

func (f *fakeVendor) hitCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func (f *fakeVendor) lastRequest(path string) (*http.Request, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reqs := f.requests[path]
	if len(reqs) == 0 {
		return nil, ""
	}
	return reqs[len(reqs)-1], f.bodies[path][len(reqs)-1]
}

func (f *fakeVendor) endpoints() region.EndpointSet {
	return region.EndpointSet{
		Region:           "DE",
		Country:          "DE",
		Brand:            "Audi",
		IdentityTokenURL: f.server.URL + "/identity/token",
		MBBTokenURL:      f.server.URL + "/mbb/token",
		VehicleAPIURL:    f.server.URL + "/fs-car",
		RolesRightsURL:   f.server.URL + "/rolesrights",
		VehicleListURL:   f.server.URL + "/vehicles",
		ClientID:         "test-client",
		XClientID:        "x-client",
		Scope:            "openid",
		MBBScope:         "sc2:fal",
		PathStyle:        region.PathStyleBrandCountry,
	}
}

func (f *fakeVendor) vehiclePath(service, suffix string) string {
	return "/fs-car/" + service + "/v1/Audi/DE/vehicles/" + testVIN + "/" + suffix
}

// testClock is a manually advanced clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestClient(t *testing.T, f *fakeVendor, level model.APILevel, pin string, opts ...Option) (*Client, *testClock) {
	t.Helper()
	clock := newTestClock()
	creds := model.Credentials{Username: "user@example.com", Password: "secret", SPIN: pin, Region: "DE", APILevel: level}
	base := []Option{
		WithEndpoints(f.endpoints()),
		WithRateLimit(0, 0),
		WithRetryDelay(time.Millisecond),
		WithClock(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	client, err := NewClient(creds, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	return client, clock
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
