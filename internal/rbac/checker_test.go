package rbac

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func contextWith(userID string, perms ...Permission) UserPermissionsContext {
	pctx := EmptyContext(userID)
	pctx.RoleID = "role-1"
	pctx.RoleName = "Tester"
	pctx.Permissions = append(pctx.Permissions, perms...)
	return pctx
}

func TestCheckDirectMembership(t *testing.T) {
	pairs := NewPairRegistry()
	pctx := contextWith("u1", PermUserViewAny, PermDashboardView)

	result := Check(pairs, &pctx, []Permission{PermUserViewAny}, CheckOptions{})
	require.True(t, result.Allowed)
	require.Equal(t, PermUserViewAny, result.GrantedBy)

	result = Check(pairs, &pctx, []Permission{PermUserCreate}, CheckOptions{})
	require.False(t, result.Allowed)
	require.NotEmpty(t, result.Reason)
}

func TestCheckAnyImpliesOwn(t *testing.T) {
	pairs := NewPairRegistry()
	pctx := contextWith("admin", PermContentUpdateAny)

	require.True(t, HasPermission(pairs, &pctx, []Permission{PermContentUpdateOwn}, CheckOptions{}))
}

func TestCheckOwnDoesNotImplyAny(t *testing.T) {
	pairs := NewPairRegistry()
	pctx := contextWith("editor", PermContentUpdateOwn)

	require.False(t, HasPermission(pairs, &pctx, []Permission{PermContentUpdateAny}, CheckOptions{}))
}

func TestCheckEmptyRequirementIsVacuouslyAllowed(t *testing.T) {
	pairs := NewPairRegistry()
	pctx := contextWith("u1")

	require.True(t, Check(pairs, &pctx, nil, CheckOptions{}).Allowed)
	require.True(t, Check(pairs, &pctx, []Permission{}, CheckOptions{Strict: true}).Allowed)
}

func TestCheckNilContextDenied(t *testing.T) {
	pairs := NewPairRegistry()

	result := Check(pairs, nil, nil, CheckOptions{})
	require.False(t, result.Allowed)
	require.Equal(t, "no permission context", result.Reason)
}

func TestCheckOwnershipGate(t *testing.T) {
	pairs := NewPairRegistry()
	editor := contextWith("editor", PermContentUpdateOwn)

	// Own resource: allowed.
	require.True(t, HasPermission(pairs, &editor, []Permission{PermContentUpdateOwn}, CheckOptions{
		CurrentUserID:   "editor",
		ResourceOwnerID: "editor",
	}))

	// Someone else's resource: the held _OWN permission does not apply.
	require.False(t, HasPermission(pairs, &editor, []Permission{PermContentUpdateOwn}, CheckOptions{
		CurrentUserID:   "editor",
		ResourceOwnerID: "other",
	}))

	// _ANY holder passes the gate regardless of ownership.
	admin := contextWith("admin", PermContentUpdateAny)
	require.True(t, HasPermission(pairs, &admin, []Permission{PermContentUpdateOwn}, CheckOptions{
		CurrentUserID:   "admin",
		ResourceOwnerID: "other",
	}))
}

func TestCheckOwnershipGateRequiresBothIDs(t *testing.T) {
	pairs := NewPairRegistry()
	editor := contextWith("editor", PermContentUpdateOwn)

	// Missing owner ID disables the gate; membership decides.
	require.True(t, HasPermission(pairs, &editor, []Permission{PermContentUpdateOwn}, CheckOptions{
		CurrentUserID: "editor",
	}))
	require.True(t, HasPermission(pairs, &editor, []Permission{PermContentUpdateOwn}, CheckOptions{
		ResourceOwnerID: "other",
	}))
}

func TestCheckStrictRequiresAll(t *testing.T) {
	pairs := NewPairRegistry()
	pctx := contextWith("u1", PermUserViewAny, PermDashboardView)

	require.True(t, HasPermission(pairs, &pctx, []Permission{PermUserViewAny, PermDashboardView}, CheckOptions{Strict: true}))

	result := Check(pairs, &pctx, []Permission{PermUserViewAny, PermUserCreate}, CheckOptions{Strict: true})
	require.False(t, result.Allowed)
	require.Contains(t, result.Reason, PermUserCreate)
}

func TestCheckAnyOfSucceedsOnOneMatch(t *testing.T) {
	pairs := NewPairRegistry()
	pctx := contextWith("u1", PermDashboardView)

	result := Check(pairs, &pctx, []Permission{PermUserViewAny, PermDashboardView}, CheckOptions{})
	require.True(t, result.Allowed)
	require.Equal(t, PermDashboardView, result.GrantedBy)
}

func TestCheckUnregisteredOwnCheckedLiterally(t *testing.T) {
	pairs := NewPairRegistry()
	pctx := contextWith("u1", "NOTE_ARCHIVE_ANY")

	// No registered pair for NOTE_ARCHIVE_OWN: no escalation happens.
	require.False(t, HasPermission(pairs, &pctx, []Permission{"NOTE_ARCHIVE_OWN"}, CheckOptions{}))
}

func TestCheckRoleLessUserDeniedEverywhere(t *testing.T) {
	pairs := NewPairRegistry()
	pctx := EmptyContext("drifter")

	require.False(t, HasPermission(pairs, &pctx, []Permission{PermDashboardView}, CheckOptions{}))
	require.False(t, HasPermission(pairs, &pctx, []Permission{PermContentViewOwn}, CheckOptions{
		CurrentUserID:   "drifter",
		ResourceOwnerID: "drifter",
	}))
	// Authenticated-only regions stay reachable.
	require.True(t, HasPermission(pairs, &pctx, nil, CheckOptions{}))
}

func TestCanAccessHelpers(t *testing.T) {
	pairs := NewPairRegistry()
	editor := contextWith("editor", PermContentUpdateOwn)
	admin := contextWith("admin", PermContentUpdateAny)

	require.False(t, CanAccessAny(pairs, &editor, PermContentUpdateAny))
	require.True(t, CanAccessAny(pairs, &admin, PermContentUpdateAny))

	require.True(t, CanAccessOwn(pairs, &editor, PermContentUpdateOwn, "editor", "editor"))
	require.False(t, CanAccessOwn(pairs, &editor, PermContentUpdateOwn, "editor", "other"))
	require.True(t, CanAccessOwn(pairs, &admin, PermContentUpdateOwn, "admin", "other"))

	any, ok := AnyPermissionFor(pairs, PermContentUpdateOwn)
	require.True(t, ok)
	require.Equal(t, PermContentUpdateAny, any)
	_, ok = AnyPermissionFor(nil, PermContentUpdateOwn)
	require.False(t, ok)
}
