package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"medgrant.org/internal/auth"
	"medgrant.org/internal/grant"
	"medgrant.org/internal/obs"
	"medgrant.org/internal/stream"
)

type mintRequest struct {
	OwnerID   string   `json:"owner_id"`
	Recipient string   `json:"recipient"`
	Scopes    []string `json:"scopes"`
	Duration  uint64   `json:"duration"`
	Terms     string   `json:"terms"`
}

type transferRequest struct {
	NewHolder string `json:"new_holder"`
}

type accessRequest struct {
	Notes string `json:"notes"`
}

func (a *API) handleGrantsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.mintGrant(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

// handleGrantResource dispatches /v1/grants/{id}[/...] paths.
func (a *API) handleGrantResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/grants/")
	parts := strings.Split(strings.TrimSuffix(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	tokenID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "grant id must be an integer")
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getGrant(w, r, tokenID)
	case len(parts) == 2 && parts[1] == "revoke":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.revokeGrant(w, r, tokenID)
	case len(parts) == 2 && parts[1] == "transfer":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.transferGrant(w, r, tokenID)
	case len(parts) == 2 && parts[1] == "access":
		switch r.Method {
		case http.MethodPost:
			a.logGrantAccess(w, r, tokenID)
		case http.MethodGet:
			a.checkGrantAccess(w, r, tokenID)
		default:
			methodNotAllowed(w, r, "GET,POST")
		}
	case len(parts) == 2 && parts[1] == "scopes":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getGrantScopes(w, r, tokenID)
	case len(parts) == 3 && parts[1] == "audit":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		seq, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "audit seq must be an integer")
			return
		}
		a.getAuditEntry(w, r, tokenID, seq)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) mintGrant(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req mintRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ownerID := strings.TrimSpace(req.OwnerID)
	recipient := strings.TrimSpace(req.Recipient)
	if ownerID == "" || recipient == "" {
		writeError(w, r, http.StatusBadRequest, "owner_id and recipient are required")
		return
	}
	if len(req.Scopes) == 0 {
		writeError(w, r, http.StatusBadRequest, "at least one scope is required")
		return
	}
	scopes := make([]grant.Scope, len(req.Scopes))
	for i, s := range req.Scopes {
		scopes[i] = grant.Scope(strings.TrimSpace(s))
	}

	tok, err := a.engine.Mint(r.Context(), caller, ownerID, recipient, scopes, req.Duration, req.Terms)
	if err != nil {
		obs.ObserveGrantOp("mint", errorCode(err))
		handleGrantError(w, r, err)
		return
	}
	obs.ObserveGrantOp("mint", "ok")

	a.publish(r.Context(), stream.GrantEvent{
		Action:     string(grant.ActionMinted),
		TokenID:    tok.ID,
		OwnerID:    tok.OwnerID,
		Actor:      caller,
		Holder:     tok.Holder,
		Scopes:     req.Scopes,
		LedgerTime: tok.IssuedAt,
	})
	a.audit(r.Context(), "grant.mint", "grant", strconv.FormatInt(tok.ID, 10), map[string]string{
		"owner_id":  tok.OwnerID,
		"recipient": recipient,
		"duration":  strconv.FormatUint(req.Duration, 10),
	})

	w.Header().Set("Location", "/v1/grants/"+strconv.FormatInt(tok.ID, 10))
	writeJSON(w, http.StatusCreated, tok)
}

func (a *API) revokeGrant(w http.ResponseWriter, r *http.Request, tokenID int64) {
	caller, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	if err := a.engine.Revoke(r.Context(), caller, tokenID); err != nil {
		obs.ObserveGrantOp("revoke", errorCode(err))
		handleGrantError(w, r, err)
		return
	}
	obs.ObserveGrantOp("revoke", "ok")

	a.publish(r.Context(), stream.GrantEvent{
		Action:  string(grant.ActionRevoked),
		TokenID: tokenID,
		Actor:   caller,
	})
	a.audit(r.Context(), "grant.revoke", "grant", strconv.FormatInt(tokenID, 10), nil)

	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}

func (a *API) transferGrant(w http.ResponseWriter, r *http.Request, tokenID int64) {
	caller, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req transferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	newHolder := strings.TrimSpace(req.NewHolder)
	if newHolder == "" {
		writeError(w, r, http.StatusBadRequest, "new_holder is required")
		return
	}

	if err := a.engine.Transfer(r.Context(), caller, tokenID, newHolder); err != nil {
		obs.ObserveGrantOp("transfer", errorCode(err))
		handleGrantError(w, r, err)
		return
	}
	obs.ObserveGrantOp("transfer", "ok")

	a.publish(r.Context(), stream.GrantEvent{
		Action:  string(grant.ActionTransferred),
		TokenID: tokenID,
		Actor:   caller,
		Holder:  newHolder,
	})
	a.audit(r.Context(), "grant.transfer", "grant", strconv.FormatInt(tokenID, 10), map[string]string{
		"new_holder": newHolder,
	})

	writeJSON(w, http.StatusOK, map[string]any{"status": "transferred", "holder": newHolder})
}

// logGrantAccess is the attestation hook record storage calls before
// releasing decrypted content.
func (a *API) logGrantAccess(w http.ResponseWriter, r *http.Request, tokenID int64) {
	caller, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req accessRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.engine.LogAccess(r.Context(), caller, tokenID, req.Notes); err != nil {
		obs.ObserveGrantOp("log_access", errorCode(err))
		handleGrantError(w, r, err)
		return
	}
	obs.ObserveGrantOp("log_access", "ok")

	a.publish(r.Context(), stream.GrantEvent{
		Action:  string(grant.ActionAccessed),
		TokenID: tokenID,
		Actor:   caller,
	})
	a.audit(r.Context(), "grant.access", "grant", strconv.FormatInt(tokenID, 10), nil)

	writeJSON(w, http.StatusOK, map[string]any{"status": "logged"})
}

func (a *API) getGrant(w http.ResponseWriter, r *http.Request, tokenID int64) {
	tok, found, err := a.engine.GetToken(r.Context(), tokenID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "lookup failed")
		return
	}
	if !found {
		writeError(w, r, http.StatusNotFound, "grant not found")
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (a *API) getGrantScopes(w http.ResponseWriter, r *http.Request, tokenID int64) {
	scopes, err := a.engine.GetScopes(r.Context(), tokenID)
	if err != nil {
		handleGrantError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scopes": scopes})
}

func (a *API) getAuditEntry(w http.ResponseWriter, r *http.Request, tokenID, seq int64) {
	entry, found, err := a.engine.GetAuditEntry(r.Context(), tokenID, seq)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "lookup failed")
		return
	}
	if !found {
		writeError(w, r, http.StatusNotFound, "audit entry not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) checkGrantAccess(w http.ResponseWriter, r *http.Request, tokenID int64) {
	account := strings.TrimSpace(r.URL.Query().Get("account"))
	if account == "" {
		writeError(w, r, http.StatusBadRequest, "account query parameter is required")
		return
	}
	has, err := a.engine.HasAccess(r.Context(), tokenID, account)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"has_access": has})
}

func (a *API) publish(ctx context.Context, evt stream.GrantEvent) {
	if a.stream == nil {
		return
	}
	if evt.LedgerTime == 0 {
		if ledgerTime, err := a.engine.LedgerTime(ctx); err == nil {
			evt.LedgerTime = ledgerTime
		}
	}
	a.stream.Publish(evt)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// errorCode maps business failures to stable machine-readable labels.
func errorCode(err error) string {
	switch {
	case errors.Is(err, grant.ErrInvalidOwner):
		return "invalid_owner"
	case errors.Is(err, grant.ErrNotOwner):
		return "not_owner"
	case errors.Is(err, grant.ErrInvalidScope):
		return "invalid_scope"
	case errors.Is(err, grant.ErrInvalidDuration):
		return "invalid_duration"
	case errors.Is(err, grant.ErrInvalidRecipient):
		return "invalid_recipient"
	case errors.Is(err, grant.ErrTokenNotFound):
		return "token_not_found"
	case errors.Is(err, grant.ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, grant.ErrNotTokenHolder):
		return "not_token_holder"
	case errors.Is(err, grant.ErrUnauthorized):
		return "unauthorized"
	default:
		return "internal"
	}
}

func handleGrantError(w http.ResponseWriter, r *http.Request, err error) {
	code := errorCode(err)
	switch {
	case errors.Is(err, grant.ErrInvalidScope),
		errors.Is(err, grant.ErrInvalidDuration),
		errors.Is(err, grant.ErrInvalidRecipient):
		writeErrorCode(w, r, http.StatusBadRequest, err.Error(), code)
	case errors.Is(err, grant.ErrNotOwner),
		errors.Is(err, grant.ErrNotTokenHolder),
		errors.Is(err, grant.ErrUnauthorized):
		writeErrorCode(w, r, http.StatusForbidden, err.Error(), code)
	case errors.Is(err, grant.ErrInvalidOwner),
		errors.Is(err, grant.ErrTokenNotFound):
		writeErrorCode(w, r, http.StatusNotFound, err.Error(), code)
	case errors.Is(err, grant.ErrTokenExpired):
		writeErrorCode(w, r, http.StatusConflict, err.Error(), code)
	default:
		writeErrorCode(w, r, http.StatusInternalServerError, "internal error", code)
	}
}
