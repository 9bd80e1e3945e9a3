// Package rbacclient mirrors the server's permission decisions for UI
// affordances: hiding buttons, gating navigation, choosing between rendered
// branches. Decisions here are advisory; the server re-checks every
// privileged operation, so a compromised client can at most render controls
// whose requests will be refused.
package rbacclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/atlas-admin/atlas-admin/internal/rbac"
)

// DefaultPollInterval is how often the provider re-fetches the permission
// context when polling is enabled.
const DefaultPollInterval = 60 * time.Second

// Options configures a Provider.
type Options struct {
	// Endpoint is the absolute URL of the permissions fetch endpoint
	// (GET /api/me/permissions).
	Endpoint string
	// HTTPClient performs the fetches. It must carry the session cookie,
	// e.g. via its cookie jar. Defaults to http.DefaultClient.
	HTTPClient *http.Client
	// Initial seeds the provider with a context obtained out-of-band,
	// typically from the login response, skipping the first fetch.
	Initial *rbac.UserPermissionsContext
	// PollInterval overrides DefaultPollInterval.
	PollInterval time.Duration
	// DisablePolling turns off background refresh; the context then only
	// changes via explicit Refresh calls.
	DisablePolling bool
	// TTL bounds the freshness of the held context independently of
	// polling. Zero uses the shared default.
	TTL time.Duration
	// Pairs supplies the OWN/ANY escalation pairs. Defaults to the baseline
	// registry.
	Pairs *rbac.PairRegistry
	Logger *slog.Logger
}

// Provider holds one user's permission context on the consuming side and
// answers permission predicates against it. Until the first successful load
// completes, every predicate denies; a failed refresh keeps serving the last
// good context rather than flapping the UI.
type Provider struct {
	endpoint string
	client   *http.Client
	pairs    *rbac.PairRegistry
	interval time.Duration
	ttl      time.Duration
	logger   *slog.Logger

	mu        sync.RWMutex
	pctx      *rbac.UserPermissionsContext
	loadedAt  time.Time
	loadErr   error
	refreshed bool

	pollCancel context.CancelFunc
	pollDone   chan struct{}
	closeOnce  sync.Once
}

// NewProvider constructs a Provider. Call Start to begin background polling.
func NewProvider(opts Options) (*Provider, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("rbacclient: endpoint required")
	}
	p := &Provider{
		endpoint: opts.Endpoint,
		client:   opts.HTTPClient,
		pairs:    opts.Pairs,
		interval: opts.PollInterval,
		ttl:      opts.TTL,
		logger:   opts.Logger,
	}
	if p.client == nil {
		p.client = http.DefaultClient
	}
	if p.pairs == nil {
		p.pairs = rbac.NewPairRegistry()
	}
	if p.interval <= 0 {
		p.interval = DefaultPollInterval
	}
	if p.ttl <= 0 {
		p.ttl = rbac.DefaultCacheTTL
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if opts.Initial != nil {
		initial := *opts.Initial
		p.pctx = &initial
		p.loadedAt = time.Now()
		p.refreshed = true
	}
	if opts.DisablePolling {
		p.interval = 0
	}
	return p, nil
}

// Start performs an initial fetch when no seed context was supplied and, when
// polling is enabled, launches the background refresh loop. The loop stops
// when ctx is cancelled or Close is called.
func (p *Provider) Start(ctx context.Context) {
	if !p.Loaded() {
		if err := p.Refresh(ctx); err != nil {
			p.logger.Warn("initial permission fetch failed", slog.Any("error", err))
		}
	}
	if p.interval <= 0 {
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.pollCancel = cancel
	p.pollDone = make(chan struct{})
	go p.poll(pollCtx)
}

// Close stops the polling loop, if running.
func (p *Provider) Close() {
	p.closeOnce.Do(func() {
		if p.pollCancel != nil {
			p.pollCancel()
			<-p.pollDone
		}
	})
}

func (p *Provider) poll(ctx context.Context) {
	defer close(p.pollDone)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Refresh(ctx); err != nil {
				p.logger.Warn("permission refresh failed", slog.Any("error", err))
			}
		}
	}
}

// Refresh fetches the context from the endpoint. On failure the previously
// held context remains in effect and the error is retained for Err. A 401
// means the session ended: the held context is dropped so predicates deny.
func (p *Provider) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint, nil)
	if err != nil {
		return p.fail(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return p.fail(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		p.mu.Lock()
		p.pctx = nil
		p.loadErr = nil
		p.refreshed = true
		p.mu.Unlock()
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return p.fail(fmt.Errorf("rbacclient: fetch returned %d", resp.StatusCode))
	}

	var pctx rbac.UserPermissionsContext
	if err := json.NewDecoder(resp.Body).Decode(&pctx); err != nil {
		return p.fail(fmt.Errorf("rbacclient: decode: %w", err))
	}

	p.mu.Lock()
	p.pctx = &pctx
	p.loadedAt = time.Now()
	p.loadErr = nil
	p.refreshed = true
	p.mu.Unlock()
	return nil
}

func (p *Provider) fail(err error) error {
	p.mu.Lock()
	p.loadErr = err
	p.refreshed = true
	p.mu.Unlock()
	return err
}

// Context returns a copy of the held permission context. ok is false before
// the first successful load and after a 401 dropped the session.
func (p *Provider) Context() (rbac.UserPermissionsContext, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.pctx == nil {
		return rbac.UserPermissionsContext{}, false
	}
	return *p.pctx, true
}

// Loading reports whether the provider is still before its first load
// attempt's completion. Predicates deny while loading.
func (p *Provider) Loading() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.refreshed
}

// Loaded reports whether a context is currently held.
func (p *Provider) Loaded() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pctx != nil
}

// Err returns the error from the most recent failed refresh, or nil after a
// success.
func (p *Provider) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.loadErr
}

// Stale reports whether the held context has outlived the provider's TTL
// without a successful refresh.
func (p *Provider) Stale() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.pctx == nil {
		return false
	}
	return time.Since(p.loadedAt) > p.ttl
}

func (p *Provider) snapshot() *rbac.UserPermissionsContext {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pctx
}

// Can reports whether the user holds the permission, with ANY→OWN
// escalation applied.
func (p *Provider) Can(perm rbac.Permission) bool {
	return rbac.HasPermission(p.pairs, p.snapshot(), []rbac.Permission{perm}, rbac.CheckOptions{})
}

// CanOwn reports whether the user may operate on a resource owned by
// resourceOwnerID under an owner-scoped permission.
func (p *Provider) CanOwn(perm rbac.Permission, resourceOwnerID string) bool {
	pctx := p.snapshot()
	if pctx == nil {
		return false
	}
	return rbac.HasPermission(p.pairs, pctx, []rbac.Permission{perm}, rbac.CheckOptions{
		CurrentUserID:   pctx.UserID,
		ResourceOwnerID: resourceOwnerID,
	})
}

// CanAnyOf reports whether the user holds at least one of the permissions.
func (p *Provider) CanAnyOf(perms ...rbac.Permission) bool {
	return rbac.HasPermission(p.pairs, p.snapshot(), perms, rbac.CheckOptions{})
}

// CanAllOf reports whether the user holds every one of the permissions.
func (p *Provider) CanAllOf(perms ...rbac.Permission) bool {
	return rbac.HasPermission(p.pairs, p.snapshot(), perms, rbac.CheckOptions{Strict: true})
}

// RoleName returns the display name of the user's role, or empty when no
// context is held.
func (p *Provider) RoleName() string {
	pctx := p.snapshot()
	if pctx == nil {
		return ""
	}
	return pctx.RoleName
}

// PermissionsWithPrefix returns the held permissions sharing a name prefix,
// for building navigation from permission groups.
func (p *Provider) PermissionsWithPrefix(prefix string) []rbac.Permission {
	pctx := p.snapshot()
	if pctx == nil {
		return nil
	}
	var out []rbac.Permission
	for _, perm := range pctx.Permissions {
		if strings.HasPrefix(perm, prefix) {
			out = append(out, perm)
		}
	}
	return out
}

// IsAdmin reports whether the user holds any administrative permission.
func (p *Provider) IsAdmin() bool {
	return len(p.PermissionsWithPrefix(rbac.AdminPrefix)) > 0
}
