package rbac

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memoryCatalog struct {
	roles       map[int64]Role
	permissions map[int64]PermissionRecord
	rolePerms   map[int64]map[int64]struct{}
	userCounts  map[int64]int64
	nextRoleID  int64
	nextPermID  int64
}

func newMemoryCatalog() *memoryCatalog {
	return &memoryCatalog{
		roles:       make(map[int64]Role),
		permissions: make(map[int64]PermissionRecord),
		rolePerms:   make(map[int64]map[int64]struct{}),
		userCounts:  make(map[int64]int64),
	}
}

func (m *memoryCatalog) ListRoles(ctx context.Context) ([]Role, error) {
	var out []Role
	for _, r := range m.roles {
		r.UserCount = m.userCounts[r.ID]
		out = append(out, r)
	}
	return out, nil
}

func (m *memoryCatalog) GetRole(ctx context.Context, id int64) (Role, error) {
	r, ok := m.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return r, nil
}

func (m *memoryCatalog) CreateRole(ctx context.Context, name, description string) (Role, error) {
	for _, r := range m.roles {
		if r.Name == name {
			return Role{}, ErrDuplicateName
		}
	}
	m.nextRoleID++
	role := Role{ID: m.nextRoleID, Name: name, Description: description, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	m.roles[role.ID] = role
	return role, nil
}

func (m *memoryCatalog) UpdateRole(ctx context.Context, id int64, name, description string) (Role, error) {
	role, ok := m.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	for _, r := range m.roles {
		if r.ID != id && r.Name == name {
			return Role{}, ErrDuplicateName
		}
	}
	role.Name = name
	role.Description = description
	role.UpdatedAt = time.Now()
	m.roles[id] = role
	return role, nil
}

func (m *memoryCatalog) DeleteRole(ctx context.Context, id int64) error {
	if _, ok := m.roles[id]; !ok {
		return ErrNotFound
	}
	delete(m.roles, id)
	delete(m.rolePerms, id)
	return nil
}

func (m *memoryCatalog) CountUsersWithRole(ctx context.Context, roleID int64) (int64, error) {
	return m.userCounts[roleID], nil
}

func (m *memoryCatalog) ListPermissions(ctx context.Context, category string) ([]PermissionRecord, error) {
	var out []PermissionRecord
	for _, p := range m.permissions {
		if category == "" || p.Category == category {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memoryCatalog) GetPermission(ctx context.Context, id int64) (PermissionRecord, error) {
	p, ok := m.permissions[id]
	if !ok {
		return PermissionRecord{}, ErrNotFound
	}
	return p, nil
}

func (m *memoryCatalog) PermissionNameExists(ctx context.Context, name string) (bool, error) {
	for _, p := range m.permissions {
		if p.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryCatalog) CreatePermission(ctx context.Context, name, category, description string) (PermissionRecord, error) {
	if exists, _ := m.PermissionNameExists(ctx, name); exists {
		return PermissionRecord{}, ErrDuplicateName
	}
	m.nextPermID++
	record := PermissionRecord{ID: m.nextPermID, Name: name, Category: category, Description: description, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	m.permissions[record.ID] = record
	return record, nil
}

func (m *memoryCatalog) UpdatePermission(ctx context.Context, id int64, name, category, description string) (PermissionRecord, error) {
	record, ok := m.permissions[id]
	if !ok {
		return PermissionRecord{}, ErrNotFound
	}
	for _, p := range m.permissions {
		if p.ID != id && p.Name == name {
			return PermissionRecord{}, ErrDuplicateName
		}
	}
	record.Name = name
	record.Category = category
	record.Description = description
	record.UpdatedAt = time.Now()
	m.permissions[id] = record
	return record, nil
}

func (m *memoryCatalog) DeletePermission(ctx context.Context, id int64) error {
	if _, ok := m.permissions[id]; !ok {
		return ErrNotFound
	}
	delete(m.permissions, id)
	return nil
}

func (m *memoryCatalog) CountRolesWithPermission(ctx context.Context, permissionID int64) (int64, error) {
	var count int64
	for _, perms := range m.rolePerms {
		if _, ok := perms[permissionID]; ok {
			count++
		}
	}
	return count, nil
}

func (m *memoryCatalog) ListRolePermissionIDs(ctx context.Context, roleID int64) ([]int64, error) {
	var out []int64
	for id := range m.rolePerms[roleID] {
		out = append(out, id)
	}
	return out, nil
}

func (m *memoryCatalog) ListRolePermissionNames(ctx context.Context, roleID int64) ([]string, error) {
	var out []string
	for id := range m.rolePerms[roleID] {
		if p, ok := m.permissions[id]; ok {
			out = append(out, p.Name)
		}
	}
	return out, nil
}

func (m *memoryCatalog) ApplyRolePermissionDiff(ctx context.Context, roleID int64, attach, detach []int64) error {
	if m.rolePerms[roleID] == nil {
		m.rolePerms[roleID] = make(map[int64]struct{})
	}
	for _, id := range attach {
		m.rolePerms[roleID][id] = struct{}{}
	}
	for _, id := range detach {
		delete(m.rolePerms[roleID], id)
	}
	return nil
}

type countingBumper struct {
	calls int
	err   error
}

func (b *countingBumper) Bump(ctx context.Context) error {
	b.calls++
	return b.err
}

func newTestService(t *testing.T) (*Service, *memoryCatalog, *Loader, *countingBumper) {
	t.Helper()
	catalog := newMemoryCatalog()
	loader := NewLoader(newMemoryStore(), NewContextCache(time.Minute), nil)
	bumper := &countingBumper{}
	svc := NewService(catalog, loader, NewPairRegistry(), bumper, nil)
	return svc, catalog, loader, bumper
}

func TestServiceRoleCRUD(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, "  Editor  ", "writes content")
	require.NoError(t, err)
	require.Equal(t, "Editor", role.Name)

	_, err = svc.CreateRole(ctx, "Editor", "")
	require.ErrorIs(t, err, ErrDuplicateName)

	_, err = svc.CreateRole(ctx, "   ", "")
	require.Error(t, err)

	updated, err := svc.UpdateRole(ctx, role.ID, "Senior Editor", "writes more")
	require.NoError(t, err)
	require.Equal(t, "Senior Editor", updated.Name)

	_, err = svc.GetRole(ctx, 999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestServiceDeleteRoleBlockedWhileAssigned(t *testing.T) {
	svc, catalog, _, _ := newTestService(t)
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, "Viewer", "")
	require.NoError(t, err)
	catalog.userCounts[role.ID] = 3

	err = svc.DeleteRole(ctx, role.ID)
	var inUse *InUseError
	require.ErrorAs(t, err, &inUse)
	require.Equal(t, "role", inUse.Entity)
	require.EqualValues(t, 3, inUse.Count)

	catalog.userCounts[role.ID] = 0
	require.NoError(t, svc.DeleteRole(ctx, role.ID))
}

func TestServiceDeletePermissionBlockedWhileGranted(t *testing.T) {
	svc, catalog, _, _ := newTestService(t)
	ctx := context.Background()

	record, err := svc.CreatePermission(ctx, "REPORT_VIEW", "reports", "")
	require.NoError(t, err)
	role, err := svc.CreateRole(ctx, "Analyst", "")
	require.NoError(t, err)
	require.NoError(t, catalog.ApplyRolePermissionDiff(ctx, role.ID, []int64{record.ID}, nil))

	err = svc.DeletePermission(ctx, record.ID)
	var inUse *InUseError
	require.ErrorAs(t, err, &inUse)
	require.Equal(t, "permission", inUse.Entity)
	require.EqualValues(t, 1, inUse.Count)

	require.NoError(t, catalog.ApplyRolePermissionDiff(ctx, role.ID, nil, []int64{record.ID}))
	require.NoError(t, svc.DeletePermission(ctx, record.ID))
}

func TestServiceCreatePermissionValidatesFormat(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreatePermission(ctx, "report-view", "reports", "")
	require.Error(t, err)
	_, err = svc.CreatePermission(ctx, "", "reports", "")
	require.Error(t, err)
}

func TestServiceConventionPairRegistration(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreatePermission(ctx, "REPORT_EXPORT_OWN", "reports", "")
	require.NoError(t, err)
	// Sibling missing: no pair yet.
	_, ok := svc.Pairs().AnyFor("REPORT_EXPORT_OWN")
	require.False(t, ok)

	_, err = svc.CreatePermission(ctx, "REPORT_EXPORT_ANY", "reports", "")
	require.NoError(t, err)
	any, ok := svc.Pairs().AnyFor("REPORT_EXPORT_OWN")
	require.True(t, ok)
	require.Equal(t, Permission("REPORT_EXPORT_ANY"), any)
}

func TestServiceRegisterCatalogPairs(t *testing.T) {
	svc, catalog, _, _ := newTestService(t)
	ctx := context.Background()

	for _, name := range []string{"NOTE_VIEW_OWN", "NOTE_VIEW_ANY", "NOTE_SHARE_OWN"} {
		_, err := catalog.CreatePermission(ctx, name, "notes", "")
		require.NoError(t, err)
	}

	require.NoError(t, svc.RegisterCatalogPairs(ctx))

	any, ok := svc.Pairs().AnyFor("NOTE_VIEW_OWN")
	require.True(t, ok)
	require.Equal(t, Permission("NOTE_VIEW_ANY"), any)
	_, ok = svc.Pairs().AnyFor("NOTE_SHARE_OWN")
	require.False(t, ok)
}

func TestServiceSetRolePermissionsDiffs(t *testing.T) {
	svc, catalog, loader, bumper := newTestService(t)
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, "Editor", "")
	require.NoError(t, err)
	p1, err := svc.CreatePermission(ctx, "CONTENT_CREATE", "content", "")
	require.NoError(t, err)
	p2, err := svc.CreatePermission(ctx, "CONTENT_VIEW_ANY", "content", "")
	require.NoError(t, err)
	p3, err := svc.CreatePermission(ctx, "CONTENT_DELETE_ANY", "content", "")
	require.NoError(t, err)

	require.NoError(t, svc.SetRolePermissions(ctx, role.ID, []int64{p1.ID, p2.ID}))
	ids, err := catalog.ListRolePermissionIDs(ctx, role.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{p1.ID, p2.ID}, ids)

	// Replace: p1 detached, p3 attached, p2 kept.
	require.NoError(t, svc.SetRolePermissions(ctx, role.ID, []int64{p2.ID, p3.ID}))
	ids, err = catalog.ListRolePermissionIDs(ctx, role.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{p2.ID, p3.ID}, ids)

	require.NoError(t, svc.SetRolePermissions(ctx, role.ID, nil))
	ids, err = catalog.ListRolePermissionIDs(ctx, role.ID)
	require.NoError(t, err)
	require.Empty(t, ids)

	require.Equal(t, 0, loader.Cache().Len())
	require.Greater(t, bumper.calls, 0)
}

func TestServiceMutationsInvalidateCache(t *testing.T) {
	svc, _, loader, bumper := newTestService(t)
	ctx := context.Background()

	loader.Cache().Set("u1", contextWith("u1", PermDashboardView))

	role, err := svc.CreateRole(ctx, "Editor", "")
	require.NoError(t, err)
	_, err = svc.UpdateRole(ctx, role.ID, "Editor II", "")
	require.NoError(t, err)

	require.Equal(t, 0, loader.Cache().Len())
	require.Equal(t, 1, bumper.calls)
}

func TestServiceBumperFailureIsNonFatal(t *testing.T) {
	svc, _, _, bumper := newTestService(t)
	bumper.err = errors.New("redis down")
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, "Editor", "")
	require.NoError(t, err)
	_, err = svc.UpdateRole(ctx, role.ID, "Editor II", "")
	require.NoError(t, err)
}
