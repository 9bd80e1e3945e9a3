package rbac

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/atlas-admin/atlas-admin/internal/platform/httpx"
)

// Handler exposes the RBAC JSON API: the per-user permissions fetch endpoint
// consumed by the client provider, plus administrative role and permission
// CRUD.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	mw       Middleware
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, mw Middleware) *Handler {
	return &Handler{logger: logger, service: service, mw: mw, validate: validator.New()}
}

// MountRoutes registers the rbac routes on the given router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequireAuthenticated())
		r.Get("/me/permissions", h.myPermissions)
	})

	r.Route("/roles", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.mw.RequireAny(PermRoleView, PermRoleManage))
			r.Get("/", h.listRoles)
			r.Get("/{id}", h.getRole)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.mw.RequireAny(PermRoleManage))
			r.Post("/", h.createRole)
			r.Put("/{id}", h.updateRole)
			r.Delete("/{id}", h.deleteRole)
			r.Put("/{id}/permissions", h.setRolePermissions)
		})
	})

	r.Route("/permissions", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.mw.RequireAny(PermPermissionView, PermPermissionManage))
			r.Get("/", h.listPermissions)
			r.Get("/categories", h.listCategories)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.mw.RequireAny(PermPermissionManage))
			r.Post("/", h.createPermission)
			r.Put("/{id}", h.updatePermission)
			r.Delete("/{id}", h.deletePermission)
		})
	})
}

// myPermissions serves the fetch-endpoint contract: the authenticated
// caller's resolved context as JSON. The enforcement middleware already
// produced 401 for anonymous callers and injected the context.
func (h *Handler) myPermissions(w http.ResponseWriter, r *http.Request) {
	pctx, ok := PermissionsFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
		return
	}
	httpx.JSON(w, http.StatusOK, pctx)
}

type rolePayload struct {
	Name        string `json:"name" validate:"required,min=2,max=64"`
	Description string `json:"description" validate:"max=255"`
}

type rolePermissionsPayload struct {
	PermissionIDs []int64 `json:"permissionIds" validate:"dive,gt=0"`
}

type permissionPayload struct {
	Name        string `json:"name" validate:"required,min=2,max=64"`
	Category    string `json:"category" validate:"required,min=2,max=64"`
	Description string `json:"description" validate:"max=255"`
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	role, err := h.service.GetRole(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var payload rolePayload
	if !h.decode(w, r, &payload) {
		return
	}
	role, err := h.service.CreateRole(r.Context(), payload.Name, payload.Description)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var payload rolePayload
	if !h.decode(w, r, &payload) {
		return
	}
	role, err := h.service.UpdateRole(r.Context(), id, payload.Name, payload.Description)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteRole(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var payload rolePermissionsPayload
	if !h.decode(w, r, &payload) {
		return
	}
	if err := h.service.SetRolePermissions(r.Context(), id, payload.PermissionIDs); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	category := strings.TrimSpace(r.URL.Query().Get("category"))
	perms, err := h.service.ListPermissions(r.Context(), category)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

var categoryTitle = cases.Title(language.English)

// listCategories summarizes the catalog per category with a display name for
// admin UI grouping.
func (h *Handler) listCategories(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context(), "")
	if err != nil {
		h.respondError(w, err)
		return
	}
	type categorySummary struct {
		Category    string `json:"category"`
		DisplayName string `json:"displayName"`
		Count       int    `json:"count"`
	}
	var out []categorySummary
	index := make(map[string]int)
	for _, p := range perms {
		if i, ok := index[p.Category]; ok {
			out[i].Count++
			continue
		}
		index[p.Category] = len(out)
		out = append(out, categorySummary{
			Category:    p.Category,
			DisplayName: categoryTitle.String(strings.ReplaceAll(strings.ToLower(p.Category), "_", " ")),
			Count:       1,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"categories": out})
}

func (h *Handler) createPermission(w http.ResponseWriter, r *http.Request) {
	var payload permissionPayload
	if !h.decode(w, r, &payload) {
		return
	}
	record, err := h.service.CreatePermission(r.Context(), payload.Name, payload.Category, payload.Description)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, record)
}

func (h *Handler) updatePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var payload permissionPayload
	if !h.decode(w, r, &payload) {
		return
	}
	record, err := h.service.UpdatePermission(r.Context(), id, payload.Name, payload.Category, payload.Description)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, record)
}

func (h *Handler) deletePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeletePermission(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid id")
		return 0, false
	}
	return id, true
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
	var inUse *InUseError
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrDuplicateName):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.As(err, &inUse):
		httpx.Problem(w, http.StatusConflict, "In Use", inUse.Error())
	default:
		h.logger.Error("rbac handler", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
