package httpapi

import (
	"net/http"
	"strings"
	"time"

	"authcore.org/internal/audit"
	"authcore.org/internal/auth"
)

type updateProfileRequest struct {
	FullName string `json:"full_name"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type auditEntryResponse struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	ActorID   string         `json:"actor_id,omitempty"`
	ActorRole string         `json:"actor_role,omitempty"`
	Origin    string         `json:"origin,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func toAuditResponse(entries []*audit.Entry) []auditEntryResponse {
	out := make([]auditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntryResponse{
			ID:        e.ID,
			Action:    e.Action,
			ActorID:   e.ActorID,
			ActorRole: e.ActorRole,
			Origin:    e.Origin,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt,
		})
	}
	return out
}

func (a *API) handleUsersCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := a.principal(w, r)
	if !ok {
		return
	}
	if !auth.Can(principal.Role, principal.ID, "", auth.ActionList) {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}
	identities, err := a.svc.Identities(r.Context())
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	items := make([]userResponse, 0, len(identities))
	for _, id := range identities {
		items = append(items, toUserResponse(id))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := a.principal(w, r)
	if !ok {
		return
	}
	identity, err := a.svc.Identity(r.Context(), principal.ID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(identity))
}

// handleUserResource routes /v1/users/{id} and its sub-resources.
func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.principal(w, r)
	if !ok {
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1/users/")
	path = strings.Trim(path, "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	userID := parts[0]

	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			a.getUser(w, r, principal, userID)
		case http.MethodPut:
			a.updateUser(w, r, principal, userID)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
		}
	case len(parts) == 2 && parts[1] == "password":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.changePassword(w, r, principal, userID)
	case len(parts) == 2 && parts[1] == "activate":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.setUserActive(w, r, principal, userID, true)
	case len(parts) == 2 && parts[1] == "deactivate":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.setUserActive(w, r, principal, userID, false)
	case len(parts) == 2 && parts[1] == "audit":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.userAudit(w, r, principal, userID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) getUser(w http.ResponseWriter, r *http.Request, principal auth.Principal, userID string) {
	if !auth.Can(principal.Role, principal.ID, userID, auth.ActionRead) {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}
	identity, err := a.svc.Identity(r.Context(), userID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(identity))
}

func (a *API) updateUser(w http.ResponseWriter, r *http.Request, principal auth.Principal, userID string) {
	if !auth.Can(principal.Role, principal.ID, userID, auth.ActionUpdate) {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}
	var req updateProfileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	identity, err := a.svc.UpdateProfile(r.Context(), principal, userID, req.FullName, clientIP(r))
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(identity))
}

func (a *API) changePassword(w http.ResponseWriter, r *http.Request, principal auth.Principal, userID string) {
	if !auth.Can(principal.Role, principal.ID, userID, auth.ActionChangePassword) {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	err := a.svc.ChangePassword(r.Context(), principal, userID, req.CurrentPassword, req.NewPassword, clientIP(r))
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "password_changed"})
}

func (a *API) setUserActive(w http.ResponseWriter, r *http.Request, principal auth.Principal, userID string, active bool) {
	action := auth.ActionActivate
	if !active {
		action = auth.ActionDeactivate
	}
	if !auth.Can(principal.Role, principal.ID, userID, action) {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}
	if err := a.svc.SetActive(r.Context(), principal, userID, active, clientIP(r)); err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) userAudit(w http.ResponseWriter, r *http.Request, principal auth.Principal, userID string) {
	if !auth.Can(principal.Role, principal.ID, userID, auth.ActionReadAudit) {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := a.svc.AuditTrail(r.Context(), userID, limit)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": toAuditResponse(entries)})
}
