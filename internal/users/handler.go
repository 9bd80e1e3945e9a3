package users

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/atlas-admin/atlas-admin/internal/platform/httpx"
	"github.com/atlas-admin/atlas-admin/internal/rbac"
)

// Handler manages user administration endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	mw       rbac.Middleware
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, mw rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, mw: mw, validate: validator.New()}
}

// MountRoutes registers user routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequireAny(rbac.PermUserViewAny))
		r.Get("/", h.listUsers)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequireAny(rbac.PermUserCreate))
		r.Post("/", h.createUser)
	})
	r.Group(func(r chi.Router) {
		// Profile reads and writes are owner-scoped: USER_VIEW_OWN lets a
		// user open only their own profile, USER_VIEW_ANY anyone's. The
		// ownership decision needs the target ID, so it happens in the
		// handler, not the route guard.
		r.Use(h.mw.RequireAuthenticated())
		r.Get("/{id}", h.getUser)
		r.Put("/{id}", h.updateUser)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequireAny(rbac.PermUserDeleteAny))
		r.Delete("/{id}", h.deleteUser)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequireAny(rbac.PermRoleManage))
		r.Put("/{id}/role", h.assignRole)
	})
}

type createUserPayload struct {
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name" validate:"required,min=2,max=128"`
	Password string `json:"password" validate:"required,min=8,max=128"`
	RoleID   *int64 `json:"roleId" validate:"omitempty,gt=0"`
}

type updateUserPayload struct {
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name" validate:"required,min=2,max=128"`
	IsActive bool   `json:"isActive"`
}

type assignRolePayload struct {
	RoleID *int64 `json:"roleId" validate:"omitempty,gt=0"`
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := ListFilter{
		Search:  strings.TrimSpace(query.Get("search")),
		Page:    atoiOrZero(query.Get("page")),
		PerPage: atoiOrZero(query.Get("perPage")),
	}
	if raw := query.Get("roleId"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
			filter.RoleID = &id
		}
	}

	list, pagination, err := h.service.ListUsers(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"users":      list,
		"pagination": pagination,
	})
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "id")
	if !h.allowOwnScoped(w, r, rbac.PermUserViewOwn, targetID) {
		return
	}
	user, err := h.service.GetUser(r.Context(), targetID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	var payload createUserPayload
	if !h.decode(w, r, &payload) {
		return
	}
	actor, _ := rbac.IdentityFromContext(r.Context())
	user, err := h.service.CreateUser(r.Context(), actor.UserID, payload.Email, payload.Name, payload.Password, payload.RoleID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, user)
}

func (h *Handler) updateUser(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "id")
	if !h.allowOwnScoped(w, r, rbac.PermUserUpdateOwn, targetID) {
		return
	}
	var payload updateUserPayload
	if !h.decode(w, r, &payload) {
		return
	}
	actor, _ := rbac.IdentityFromContext(r.Context())
	user, err := h.service.UpdateUser(r.Context(), actor.UserID, targetID, payload.Email, payload.Name, payload.IsActive)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

func (h *Handler) deleteUser(w http.ResponseWriter, r *http.Request) {
	actor, _ := rbac.IdentityFromContext(r.Context())
	targetID := chi.URLParam(r, "id")
	if actor.UserID == targetID {
		httpx.Problem(w, http.StatusConflict, "Conflict", "cannot delete the account you are signed in with")
		return
	}
	if err := h.service.DeleteUser(r.Context(), actor.UserID, targetID); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	var payload assignRolePayload
	if !h.decode(w, r, &payload) {
		return
	}
	actor, _ := rbac.IdentityFromContext(r.Context())
	user, err := h.service.AssignRole(r.Context(), actor.UserID, chi.URLParam(r, "id"), payload.RoleID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

// allowOwnScoped applies the owner-scoped check for profile routes: the _OWN
// permission admits the caller to their own profile, the paired _ANY
// permission to anyone's.
func (h *Handler) allowOwnScoped(w http.ResponseWriter, r *http.Request, own rbac.Permission, targetID string) bool {
	identity, ok := rbac.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
		return false
	}
	pctx, _ := rbac.PermissionsFromContext(r.Context())
	if !rbac.CanAccessOwn(h.mw.Pairs, &pctx, own, identity.UserID, targetID) {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "insufficient permissions: requires "+own)
		return false
	}
	return true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrEmailTaken):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	default:
		h.logger.Error("users handler", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func atoiOrZero(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}
