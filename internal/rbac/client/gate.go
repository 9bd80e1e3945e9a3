package rbacclient

import "github.com/atlas-admin/atlas-admin/internal/rbac"

// Decision is a gate outcome with enough detail for the UI to explain
// itself: which permissions were missing and why access was refused.
type Decision struct {
	Allowed bool
	Reason  string
	Missing []rbac.Permission
}

// Gate evaluates a requirement set and reports the missing permissions. With
// opts.Strict every listed permission must be held; otherwise one suffices.
func (p *Provider) Gate(required []rbac.Permission, opts rbac.CheckOptions) Decision {
	pctx := p.snapshot()
	result := rbac.Check(p.pairs, pctx, required, opts)
	decision := Decision{Allowed: result.Allowed, Reason: result.Reason}
	if result.Allowed {
		return decision
	}
	for _, req := range required {
		single := rbac.Check(p.pairs, pctx, []rbac.Permission{req}, opts)
		if !single.Allowed {
			decision.Missing = append(decision.Missing, req)
		}
	}
	return decision
}

// When runs fn only when the user holds at least one of the permissions.
// Returns whether fn ran, so callers can fall back.
func (p *Provider) When(required []rbac.Permission, fn func()) bool {
	if !p.CanAnyOf(required...) {
		return false
	}
	fn()
	return true
}

// Unless runs fn only when the user holds none of the permissions, the
// inverse of When. Used for "upgrade your access" affordances.
func (p *Provider) Unless(required []rbac.Permission, fn func()) bool {
	if p.CanAnyOf(required...) {
		return false
	}
	fn()
	return true
}

// Either runs allowed or denied depending on the gate outcome, guaranteeing
// exactly one branch executes.
func (p *Provider) Either(required []rbac.Permission, allowed, denied func()) {
	if p.CanAnyOf(required...) {
		if allowed != nil {
			allowed()
		}
		return
	}
	if denied != nil {
		denied()
	}
}
