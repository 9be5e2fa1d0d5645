// Package handler exposes the administrative surface: role hierarchy
// management, role assignment and the IP blocklist. Every route is mounted
// behind bearer-token auth plus a permission gate; the hierarchy rules
// themselves (acyclicity, subtree authority) live in the rbac service.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	identitymodels "authd/internal/identity/models"
	rbacmodels "authd/internal/rbac/models"
	rbacservice "authd/internal/rbac/service"
	id "authd/pkg/domain"
	dErrors "authd/pkg/domain-errors"
	"authd/pkg/platform/httputil"
	"authd/pkg/platform/sentinel"
	"authd/pkg/requestcontext"
)

// Permissions gating the admin routes. Granted to roles through the normal
// permission tables.
const (
	PermissionManageRoles     = "roles:manage"
	PermissionManageBlocklist = "blocklist:manage"
)

// RoleAdmin is the rbac surface the role routes drive.
type RoleAdmin interface {
	CreateRole(ctx context.Context, params rbacservice.CreateRoleParams) (*rbacmodels.Role, error)
	DeleteRole(ctx context.Context, name string) error
	AssignRole(ctx context.Context, actorID, targetUserID id.UserID, roleName string) error
	RevokeRole(ctx context.Context, actorID, targetUserID id.UserID, roleName string) error
	DescendantsOf(ctx context.Context, name string) ([]*rbacmodels.Role, error)
	GrantPermission(ctx context.Context, roleName, permission string) error
	RevokePermission(ctx context.Context, roleName, permission string) error
}

// UserResolver maps the external handle in admin URLs to an account.
type UserResolver interface {
	FindByHandle(ctx context.Context, handle id.UserHandle) (*identitymodels.User, error)
}

// Blocklist is the geo service surface the blocklist route drives.
type Blocklist interface {
	BlockIP(ctx context.Context, ip, reason string, ttl time.Duration) error
	UnblockIP(ctx context.Context, ip string) error
}

// Handler handles the /api/admin routes.
type Handler struct {
	logger    *slog.Logger
	roles     RoleAdmin
	users     UserResolver
	blocklist Blocklist
}

// New creates the handler.
func New(roles RoleAdmin, users UserResolver, blocklist Blocklist, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, roles: roles, users: users, blocklist: blocklist}
}

// Register mounts the full surface on the router. The permission middleware
// is applied by the caller per group, so the handler stays testable without
// a full token stack.
func (h *Handler) Register(r chi.Router) {
	h.RegisterRoles(r)
	h.RegisterBlocklist(r)
}

// RegisterRoles mounts the role hierarchy and assignment routes.
func (h *Handler) RegisterRoles(r chi.Router) {
	r.Post("/api/admin/roles", h.handleCreateRole)
	r.Delete("/api/admin/roles/{name}", h.handleDeleteRole)
	r.Get("/api/admin/roles/{name}/descendants", h.handleDescendants)
	r.Post("/api/admin/roles/{name}/permissions", h.handleGrantPermission)
	r.Delete("/api/admin/roles/{name}/permissions/{permission}", h.handleRevokePermission)
	r.Post("/api/admin/users/{id}/roles", h.handleAssignRole)
	r.Delete("/api/admin/users/{id}/roles/{name}", h.handleRevokeRole)
}

// RegisterBlocklist mounts the IP blocklist routes.
func (h *Handler) RegisterBlocklist(r chi.Router) {
	r.Post("/api/admin/blocklist", h.handleBlockIP)
	r.Delete("/api/admin/blocklist/{ip}", h.handleUnblockIP)
}

type createRoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parent      string `json:"parent,omitempty"`
}

func (r *createRoleRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return dErrors.New(dErrors.CodeValidation, "role name is required")
	}
	return nil
}

type roleResponse struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Path        string `json:"path"`
	Depth       int    `json:"depth"`
}

func toRoleResponse(role *rbacmodels.Role) roleResponse {
	return roleResponse{
		Name:        role.Name,
		Description: role.Description,
		Path:        role.Path,
		Depth:       role.Depth,
	}
}

func (h *Handler) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, ok := httputil.DecodeAndPrepare[createRoleRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}

	role, err := h.roles.CreateRole(ctx, rbacservice.CreateRoleParams{
		Name:        req.Name,
		Description: req.Description,
		ParentName:  req.Parent,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toRoleResponse(role))
}

func (h *Handler) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	if err := h.roles.DeleteRole(r.Context(), chi.URLParam(r, "name")); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDescendants(w http.ResponseWriter, r *http.Request) {
	descendants, err := h.roles.DescendantsOf(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	out := make([]roleResponse, 0, len(descendants))
	for _, role := range descendants {
		out = append(out, toRoleResponse(role))
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

type grantPermissionRequest struct {
	Permission string `json:"permission"`
}

func (r *grantPermissionRequest) Validate() error {
	if strings.TrimSpace(r.Permission) == "" {
		return dErrors.New(dErrors.CodeValidation, "permission is required")
	}
	return nil
}

func (h *Handler) handleGrantPermission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, ok := httputil.DecodeAndPrepare[grantPermissionRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}

	if err := h.roles.GrantPermission(ctx, chi.URLParam(r, "name"), req.Permission); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRevokePermission(w http.ResponseWriter, r *http.Request) {
	if err := h.roles.RevokePermission(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "permission")); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type assignRoleRequest struct {
	Role string `json:"role"`
}

func (r *assignRoleRequest) Validate() error {
	if strings.TrimSpace(r.Role) == "" {
		return dErrors.New(dErrors.CodeValidation, "role is required")
	}
	return nil
}

func (h *Handler) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	target, err := h.resolveUser(ctx, chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[assignRoleRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}

	if err := h.roles.AssignRole(ctx, requestcontext.UserID(ctx), target.ID, req.Role); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	target, err := h.resolveUser(ctx, chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	if err := h.roles.RevokeRole(ctx, requestcontext.UserID(ctx), target.ID, chi.URLParam(r, "name")); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type blockIPRequest struct {
	IP     string `json:"ip"`
	Reason string `json:"reason,omitempty"`
	// TTL like "24h"; empty blocks indefinitely.
	TTL string `json:"ttl,omitempty"`

	ttl time.Duration
}

func (r *blockIPRequest) Validate() error {
	if strings.TrimSpace(r.IP) == "" {
		return dErrors.New(dErrors.CodeValidation, "ip is required")
	}
	if r.TTL != "" {
		ttl, err := time.ParseDuration(r.TTL)
		if err != nil || ttl <= 0 {
			return dErrors.New(dErrors.CodeValidation, "ttl must be a positive duration")
		}
		r.ttl = ttl
	}
	return nil
}

func (h *Handler) handleBlockIP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, ok := httputil.DecodeAndPrepare[blockIPRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}

	if err := h.blocklist.BlockIP(ctx, req.IP, req.Reason, req.ttl); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleUnblockIP(w http.ResponseWriter, r *http.Request) {
	if err := h.blocklist.UnblockIP(r.Context(), chi.URLParam(r, "ip")); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) resolveUser(ctx context.Context, handle string) (*identitymodels.User, error) {
	user, err := h.users.FindByHandle(ctx, id.UserHandle(handle))
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "user not found").WithKind(dErrors.KindUserNotFound)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "resolve user")
	}
	return user, nil
}
