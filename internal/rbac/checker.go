package rbac

import "fmt"

// Check decides whether a permission context satisfies the required
// permission set. It is deterministic and performs no I/O; every enforcement
// surface, server or client, funnels through it so both sides agree on
// semantics. The client surface is advisory only; the server re-checks every
// privileged operation.
//
// Normalization first expands the held set: for every registered OWN/ANY
// pair, holding the _ANY member grants the _OWN member. When the check
// options carry both CurrentUserID and ResourceOwnerID, a required _OWN
// permission is decided by the ownership gate instead: the paired _ANY
// permission is held, or the IDs match and the literal _OWN permission is
// held. Omitting either identifier disables the gate and the requirement
// falls back to a membership test; ownership is never assumed.
//
// With opts.Strict every required permission must resolve (AND); otherwise a
// single resolved permission suffices (OR). An empty requirement list is
// vacuously allowed.
func Check(pairs *PairRegistry, pctx *UserPermissionsContext, required []Permission, opts CheckOptions) PermissionCheckResult {
	if pctx == nil || pctx.Permissions == nil {
		return PermissionCheckResult{Allowed: false, Reason: "no permission context"}
	}
	if len(required) == 0 {
		return PermissionCheckResult{Allowed: true}
	}

	effective := normalize(pairs, pctx.Permissions)

	var firstGranted Permission
	for _, req := range required {
		granted := resolve(pairs, effective, req, opts)
		if granted && firstGranted == "" {
			firstGranted = req
		}
		if opts.Strict && !granted {
			return PermissionCheckResult{
				Allowed: false,
				Reason:  fmt.Sprintf("missing required permission %s", req),
			}
		}
		if !opts.Strict && granted {
			return PermissionCheckResult{Allowed: true, GrantedBy: req}
		}
	}
	if opts.Strict {
		return PermissionCheckResult{Allowed: true, GrantedBy: firstGranted}
	}
	return PermissionCheckResult{
		Allowed: false,
		Reason:  fmt.Sprintf("none of the required permissions held (%v)", required),
	}
}

// HasPermission is the boolean projection of Check.
func HasPermission(pairs *PairRegistry, pctx *UserPermissionsContext, required []Permission, opts CheckOptions) bool {
	return Check(pairs, pctx, required, opts).Allowed
}

// CanAccessAny reports whether the context can operate on all resources of
// the type guarded by the _ANY permission.
func CanAccessAny(pairs *PairRegistry, pctx *UserPermissionsContext, any Permission) bool {
	return HasPermission(pairs, pctx, []Permission{any}, CheckOptions{})
}

// CanAccessOwn reports whether the context can operate on a specific resource
// guarded by the _OWN permission, given the caller and the resource owner.
func CanAccessOwn(pairs *PairRegistry, pctx *UserPermissionsContext, own Permission, currentUserID, resourceOwnerID string) bool {
	return HasPermission(pairs, pctx, []Permission{own}, CheckOptions{
		CurrentUserID:   currentUserID,
		ResourceOwnerID: resourceOwnerID,
	})
}

// AnyPermissionFor exposes the OWN→ANY pair lookup for callers that need the
// escalating permission name.
func AnyPermissionFor(pairs *PairRegistry, own Permission) (Permission, bool) {
	if pairs == nil {
		return "", false
	}
	return pairs.AnyFor(own)
}

// normalize expands held permissions with one-directional ANY→OWN
// escalation.
func normalize(pairs *PairRegistry, held []Permission) map[Permission]struct{} {
	effective := make(map[Permission]struct{}, len(held))
	for _, p := range held {
		effective[p] = struct{}{}
	}
	if pairs == nil {
		return effective
	}
	for own, any := range pairs.Pairs() {
		if _, ok := effective[any]; ok {
			effective[own] = struct{}{}
		}
	}
	return effective
}

// resolve decides a single required permission against the effective set.
// When both ownership identifiers are supplied for an _OWN requirement the
// ownership gate replaces the flat membership test entirely: a nominally held
// _OWN permission does not grant access to another user's resource.
func resolve(pairs *PairRegistry, effective map[Permission]struct{}, req Permission, opts CheckOptions) bool {
	if IsOwnPermission(req) && opts.CurrentUserID != "" && opts.ResourceOwnerID != "" {
		if pairs != nil {
			if any, ok := pairs.AnyFor(req); ok {
				if _, held := effective[any]; held {
					return true
				}
			}
		}
		if opts.CurrentUserID != opts.ResourceOwnerID {
			return false
		}
		_, held := effective[req]
		return held
	}
	_, ok := effective[req]
	return ok
}
