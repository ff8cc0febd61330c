package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"medgrant.org/internal/registry"
)

const registrarRole = "registrar"

type upsertPatientRequest struct {
	ID           string `json:"id"`
	OwnerAccount string `json:"owner_account"`
	DisplayName  string `json:"display_name"`
}

type setStatusRequest struct {
	Status string `json:"status"`
}

func (a *API) handlePatientsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.requireRole(w, r, registrarRole) {
		return
	}
	if a.regAdmin == nil {
		writeError(w, r, http.StatusNotImplemented, "registry administration disabled")
		return
	}

	var req upsertPatientRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id := strings.TrimSpace(req.ID)
	owner := strings.TrimSpace(req.OwnerAccount)
	if id == "" || owner == "" {
		writeError(w, r, http.StatusBadRequest, "id and owner_account are required")
		return
	}

	profile := registry.Profile{
		OwnerAccount: owner,
		Status:       registry.StatusPending,
		DisplayName:  strings.TrimSpace(req.DisplayName),
	}
	if err := a.regAdmin.UpsertPatient(r.Context(), id, profile); err != nil {
		writeError(w, r, http.StatusInternalServerError, "registry write failed")
		return
	}

	a.audit(r.Context(), "patient.upserted", "patient", id, map[string]string{
		"owner_account": owner,
	})
	w.Header().Set("Location", "/v1/patients/"+id)
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":     id,
		"status": registry.StatusPending,
	})
}

// handlePatientResource dispatches /v1/patients/{id}[/...] paths.
func (a *API) handlePatientResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/patients/")
	parts := strings.Split(strings.TrimSuffix(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getPatient(w, r, id)
	case len(parts) == 2 && parts[1] == "status":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.setPatientStatus(w, r, id)
	case len(parts) == 3 && parts[1] == "grants" && parts[2] == "count":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getGrantCount(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) getPatient(w http.ResponseWriter, r *http.Request, id string) {
	profile, found, err := a.registry.Resolve(r.Context(), id)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "lookup failed")
		return
	}
	if !found {
		writeError(w, r, http.StatusNotFound, "patient not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":            id,
		"owner_account": profile.OwnerAccount,
		"status":        profile.Status,
		"display_name":  profile.DisplayName,
	})
}

func (a *API) setPatientStatus(w http.ResponseWriter, r *http.Request, id string) {
	if !a.requireRole(w, r, registrarRole) {
		return
	}
	if a.regAdmin == nil {
		writeError(w, r, http.StatusNotImplemented, "registry administration disabled")
		return
	}

	var req setStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	status := strings.TrimSpace(req.Status)
	switch status {
	case registry.StatusPending, registry.StatusVerified, registry.StatusRejected:
	default:
		writeError(w, r, http.StatusBadRequest, "unknown status")
		return
	}

	if err := a.regAdmin.SetPatientStatus(r.Context(), id, status); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "patient not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "registry write failed")
		return
	}

	a.audit(r.Context(), "patient.status_changed", "patient", id, map[string]string{
		"status": status,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     id,
		"status": status,
	})
}

func (a *API) getGrantCount(w http.ResponseWriter, r *http.Request, id string) {
	count, err := a.engine.GetTokenCount(r.Context(), id)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"owner_id": id,
		"minted":   count,
	})
}
