package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/atlas-admin/atlas-admin/internal/platform/httpx"
	"github.com/atlas-admin/atlas-admin/internal/shared"
)

// Identity is the authenticated caller as resolved from the session.
type Identity struct {
	UserID string
}

type identityContextKey struct{}
type permissionsContextKey struct{}

// ContextWithIdentity stores the resolved identity in the request context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext extracts the identity placed by the enforcement
// middleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(Identity)
	return id, ok
}

// ContextWithPermissions stores the resolved permission context.
func ContextWithPermissions(ctx context.Context, pctx UserPermissionsContext) context.Context {
	return context.WithValue(ctx, permissionsContextKey{}, pctx)
}

// PermissionsFromContext extracts the permission context placed by the
// enforcement middleware.
func PermissionsFromContext(ctx context.Context) (UserPermissionsContext, bool) {
	pctx, ok := ctx.Value(permissionsContextKey{}).(UserPermissionsContext)
	return pctx, ok
}

// ProtectOptions configures one protected region.
type ProtectOptions struct {
	// Permissions required to enter the region. Empty means "authenticated
	// is enough" per the vacuous-truth rule.
	Permissions []Permission
	// Strict requires every permission (AND) instead of any one (OR).
	Strict bool
	// OnUnauthenticated overrides the default 401 response.
	OnUnauthenticated http.HandlerFunc
	// OnUnauthorized overrides the default 403 response.
	OnUnauthorized func(http.ResponseWriter, *http.Request, PermissionCheckResult)
	// RedirectUnauthenticated, when set, redirects instead of responding
	// 401. Used by server-rendered regions (login path).
	RedirectUnauthenticated string
	// RedirectUnauthorized, when set, redirects instead of responding 403.
	RedirectUnauthorized string
}

// Middleware is the server-side enforcement surface. It resolves the
// caller's identity from the session, loads the permission context through
// the Loader, and applies the checker before any privileged work runs. This
// is the authoritative trust boundary; the client surface in rbac/client
// mirrors the same decisions for UI affordances only.
type Middleware struct {
	Loader *Loader
	Pairs  *PairRegistry
	Logger *slog.Logger
	// Metrics, when set, counts every check outcome.
	Metrics MetricsRecorder
}

// RequireAny admits callers holding at least one of the permissions.
func (m Middleware) RequireAny(perms ...Permission) func(http.Handler) http.Handler {
	return m.Protect(ProtectOptions{Permissions: perms})
}

// RequireAll admits callers holding every one of the permissions.
func (m Middleware) RequireAll(perms ...Permission) func(http.Handler) http.Handler {
	return m.Protect(ProtectOptions{Permissions: perms, Strict: true})
}

// RequireAuthenticated admits any caller with a session; the empty
// requirement list is vacuously allowed once identity resolves.
func (m Middleware) RequireAuthenticated() func(http.Handler) http.Handler {
	return m.Protect(ProtectOptions{})
}

// Protect wraps a handler with the authorization sequence: identity →
// load → check. Unauthenticated and unauthorized outcomes are never
// conflated so callers can choose between "log in" and "request access"
// messaging. Loader failures respond 500 and are logged loudly; they are
// this layer's own errors, not the wrapped handler's.
func (m Middleware) Protect(opts ProtectOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := m.currentIdentity(r)
			if !ok {
				m.unauthenticated(w, r, opts)
				return
			}

			pctx, err := m.Loader.Load(r.Context(), identity.UserID)
			if err != nil {
				m.logger().Error("permission load failed",
					slog.String("user_id", identity.UserID),
					slog.Any("error", err))
				httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
				return
			}

			result := Check(m.Pairs, &pctx, opts.Permissions, CheckOptions{
				CurrentUserID: identity.UserID,
				Strict:        opts.Strict,
			})
			if m.Metrics != nil {
				m.Metrics.RecordCheck(result.Allowed)
			}
			if !result.Allowed {
				m.unauthorized(w, r, opts, result)
				return
			}

			ctx := ContextWithIdentity(r.Context(), identity)
			ctx = ContextWithPermissions(ctx, pctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Handle wraps a terminal handler function, injecting the resolved
// permission context. A panic in the inner handler is caught and mapped to a
// generic server error rather than dropped.
func (m Middleware) Handle(opts ProtectOptions, fn func(http.ResponseWriter, *http.Request, UserPermissionsContext)) http.Handler {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				m.logger().Error("handler panic",
					slog.Any("panic", rec),
					slog.String("stack", string(debug.Stack())))
				httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
			}
		}()
		pctx, _ := PermissionsFromContext(r.Context())
		fn(w, r, pctx)
	})
	return m.Protect(opts)(inner)
}

func (m Middleware) currentIdentity(r *http.Request) (Identity, bool) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		return Identity{}, false
	}
	userID := strings.TrimSpace(sess.User())
	if userID == "" {
		return Identity{}, false
	}
	return Identity{UserID: userID}, true
}

func (m Middleware) unauthenticated(w http.ResponseWriter, r *http.Request, opts ProtectOptions) {
	if opts.OnUnauthenticated != nil {
		opts.OnUnauthenticated(w, r)
		return
	}
	if opts.RedirectUnauthenticated != "" {
		http.Redirect(w, r, opts.RedirectUnauthenticated, http.StatusSeeOther)
		return
	}
	httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
}

func (m Middleware) unauthorized(w http.ResponseWriter, r *http.Request, opts ProtectOptions, result PermissionCheckResult) {
	if opts.OnUnauthorized != nil {
		opts.OnUnauthorized(w, r, result)
		return
	}
	if opts.RedirectUnauthorized != "" {
		http.Redirect(w, r, opts.RedirectUnauthorized, http.StatusSeeOther)
		return
	}
	// The permission names that would have sufficed are not secret; they
	// help support triage denied requests.
	detail := "insufficient permissions"
	if len(opts.Permissions) > 0 {
		verb := "one of"
		if opts.Strict {
			verb = "all of"
		}
		detail = fmt.Sprintf("insufficient permissions: requires %s %s", verb, strings.Join(opts.Permissions, ", "))
	}
	httpx.Problem(w, http.StatusForbidden, "Forbidden", detail)
}

func (m Middleware) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
