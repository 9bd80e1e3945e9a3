package users

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/atlas-admin/atlas-admin/internal/rbac"
)

type memoryUserRepo struct {
	mu     sync.Mutex
	users  map[string]User
	hashes map[string]string
	// role names by ID, stands in for the roles table join
	roleNames map[int64]string
}

func newMemoryUserRepo() *memoryUserRepo {
	return &memoryUserRepo{
		users:     make(map[string]User),
		hashes:    make(map[string]string),
		roleNames: map[int64]string{1: "Viewer", 2: "Editor"},
	}
}

func (r *memoryUserRepo) ListUsers(ctx context.Context, filter ListFilter) ([]User, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []User
	for _, u := range r.users {
		out = append(out, u)
	}
	return out, len(out), nil
}

func (r *memoryUserRepo) GetUser(ctx context.Context, id string) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (r *memoryUserRepo) CreateUser(ctx context.Context, email, name, passwordHash string, roleID *int64) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == email {
			return User{}, ErrEmailTaken
		}
	}
	u := User{ID: "user-" + email, Email: email, Name: name, IsActive: true, RoleID: roleID, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	r.users[u.ID] = u
	r.hashes[u.ID] = passwordHash
	return u, nil
}

func (r *memoryUserRepo) UpdateUser(ctx context.Context, id, email, name string, isActive bool) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	u.Email = email
	u.Name = name
	u.IsActive = isActive
	r.users[id] = u
	return u, nil
}

func (r *memoryUserRepo) DeleteUser(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[id]; !ok {
		return ErrNotFound
	}
	delete(r.users, id)
	return nil
}

func (r *memoryUserRepo) AssignRole(ctx context.Context, userID string, roleID *int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.RoleID = roleID
	u.RoleName = ""
	if roleID != nil {
		u.RoleName = r.roleNames[*roleID]
	}
	r.users[userID] = u
	return nil
}

// grantsFromRepo resolves loader grants from the same fake repo state, the
// way the SQL store joins users to roles.
type grantsFromRepo struct {
	repo  *memoryUserRepo
	perms map[string][]rbac.Permission
}

func (s grantsFromRepo) UserGrants(ctx context.Context, userID string) (rbac.Grants, error) {
	u, err := s.repo.GetUser(ctx, userID)
	if err != nil || u.RoleID == nil {
		return rbac.Grants{}, nil
	}
	return rbac.Grants{
		RoleID:      u.RoleName,
		RoleName:    u.RoleName,
		Permissions: s.perms[u.RoleName],
		Found:       true,
	}, nil
}

func (s grantsFromRepo) UsersGrants(ctx context.Context, userIDs []string) (map[string]rbac.Grants, error) {
	out := make(map[string]rbac.Grants)
	for _, id := range userIDs {
		g, _ := s.UserGrants(ctx, id)
		if g.Found {
			out[id] = g
		}
	}
	return out, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) NotifyAccessChanged(ctx context.Context, userID, email, roleName string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, userID+":"+roleName)
	return nil
}

func newTestService(t *testing.T) (*Service, *memoryUserRepo, *rbac.Loader, *recordingNotifier) {
	t.Helper()
	repo := newMemoryUserRepo()
	store := grantsFromRepo{repo: repo, perms: map[string][]rbac.Permission{
		"Viewer": {rbac.PermContentViewAny},
		"Editor": {rbac.PermContentViewAny, rbac.PermContentUpdateOwn},
	}}
	loader := rbac.NewLoader(store, rbac.NewContextCache(time.Minute), nil)
	notifier := &recordingNotifier{}
	svc := NewService(repo, loader, notifier, nil, nil)
	return svc, repo, loader, notifier
}

func seedUser(t *testing.T, repo *memoryUserRepo, email string, roleID *int64) User {
	t.Helper()
	u, err := repo.CreateUser(context.Background(), email, "Test User", "x", nil)
	require.NoError(t, err)
	if roleID != nil {
		require.NoError(t, repo.AssignRole(context.Background(), u.ID, roleID))
		u, err = repo.GetUser(context.Background(), u.ID)
		require.NoError(t, err)
	}
	return u
}

func TestCreateUserHashesPassword(t *testing.T) {
	svc, repo, _, _ := newTestService(t)

	user, err := svc.CreateUser(context.Background(), "actor", "New@Example.com", "  New User ", "super-secret", nil)
	require.NoError(t, err)
	require.Equal(t, "new@example.com", user.Email)
	require.Equal(t, "New User", user.Name)

	// The stored value is a bcrypt hash of the password, never the password.
	hash := repo.hashes[user.ID]
	require.NotEqual(t, "super-secret", hash)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("super-secret")))

	_, err = svc.CreateUser(context.Background(), "actor", "new@example.com", "Again", "super-secret", nil)
	require.ErrorIs(t, err, ErrEmailTaken)

	_, err = svc.CreateUser(context.Background(), "actor", "", "No Email", "super-secret", nil)
	require.Error(t, err)
}

func TestAssignRoleInvalidatesCachedContext(t *testing.T) {
	svc, repo, loader, notifier := newTestService(t)
	viewerRole := int64(1)
	editorRole := int64(2)
	user := seedUser(t, repo, "user@example.com", &viewerRole)

	// Prime the cache under the old role.
	pctx, err := loader.Load(context.Background(), user.ID)
	require.NoError(t, err)
	require.Equal(t, "Viewer", pctx.RoleName)
	require.NotContains(t, pctx.Permissions, rbac.PermContentUpdateOwn)

	updated, err := svc.AssignRole(context.Background(), "actor", user.ID, &editorRole)
	require.NoError(t, err)
	require.Equal(t, "Editor", updated.RoleName)

	// The very next load reflects the new grants, no TTL wait.
	pctx, err = loader.Load(context.Background(), user.ID)
	require.NoError(t, err)
	require.Equal(t, "Editor", pctx.RoleName)
	require.Contains(t, pctx.Permissions, rbac.PermContentUpdateOwn)

	require.Equal(t, []string{user.ID + ":Editor"}, notifier.calls)
}

func TestAssignRoleClearsToRoleLess(t *testing.T) {
	svc, repo, loader, _ := newTestService(t)
	viewerRole := int64(1)
	user := seedUser(t, repo, "user@example.com", &viewerRole)

	_, err := loader.Load(context.Background(), user.ID)
	require.NoError(t, err)

	updated, err := svc.AssignRole(context.Background(), "actor", user.ID, nil)
	require.NoError(t, err)
	require.Nil(t, updated.RoleID)

	// Role-less resolves to the empty context, not an error.
	pctx, err := loader.Load(context.Background(), user.ID)
	require.NoError(t, err)
	require.Empty(t, pctx.RoleID)
	require.Len(t, pctx.Permissions, 0)
}

func TestAssignRoleUnknownUser(t *testing.T) {
	svc, _, _, notifier := newTestService(t)
	editorRole := int64(2)

	_, err := svc.AssignRole(context.Background(), "actor", "missing", &editorRole)
	require.ErrorIs(t, err, ErrNotFound)
	require.Empty(t, notifier.calls)
}

func TestDeleteUserDropsCachedContext(t *testing.T) {
	svc, repo, loader, _ := newTestService(t)
	viewerRole := int64(1)
	user := seedUser(t, repo, "user@example.com", &viewerRole)

	_, err := loader.Load(context.Background(), user.ID)
	require.NoError(t, err)
	require.Equal(t, 1, loader.Cache().Len())

	require.NoError(t, svc.DeleteUser(context.Background(), "actor", user.ID))
	require.Equal(t, 0, loader.Cache().Len())

	err = svc.DeleteUser(context.Background(), "actor", user.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateUserNormalizesEmail(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	user := seedUser(t, repo, "user@example.com", nil)

	updated, err := svc.UpdateUser(context.Background(), "actor", user.ID, "USER@Example.COM", "Renamed", false)
	require.NoError(t, err)
	require.Equal(t, "user@example.com", updated.Email)
	require.False(t, updated.IsActive)
}
