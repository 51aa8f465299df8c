package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/jonathan/court-capture/internal/db"
	"github.com/jonathan/court-capture/internal/tribunal"
	"github.com/jonathan/court-capture/internal/types"
	"github.com/jonathan/court-capture/internal/vault"
)

var validate = validator.New()

// CredentialRequest is the body of PUT /credentials. The password is never echoed.
type CredentialRequest struct {
	LawyerID     int64          `json:"lawyer_id" validate:"required,gt=0"`
	TribunalCode string         `json:"tribunal_code" validate:"required,max=16"`
	Instance     types.Instance `json:"instance" validate:"required,oneof=primeiro_grau segundo_grau tribunal_superior"`
	Username     string         `json:"username" validate:"required"`
	Password     string         `json:"password" validate:"required"`
}

// CredentialResponse acknowledges a stored credential.
type CredentialResponse struct {
	ID           int64          `json:"id"`
	LawyerID     int64          `json:"lawyer_id"`
	TribunalCode string         `json:"tribunal_code"`
	Instance     types.Instance `json:"instance"`
	KeyVersion   int            `json:"key_version"`
}

// validationError turns validator failures into an ErrValidation naming the
// first offending field. Field values are not included.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return &ErrValidation{Field: verrs[0].Field(), Message: "failed " + verrs[0].Tag() + " check"}
	}
	return &ErrValidation{Message: err.Error()}
}

// handleListTribunals lists every configured tribunal profile.
func (s *Server) handleListTribunals(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.deps.Store.ListProfiles(r.Context())
	if err != nil {
		s.logger.Error("failed to list tribunal profiles", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "Failed to list tribunal profiles")
		return
	}
	if profiles == nil {
		profiles = []tribunal.Profile{}
	}
	s.jsonResponse(w, http.StatusOK, profiles)
}

// handleUpsertTribunal creates or replaces a profile and drops the cached
// profiles of that tribunal.
func (s *Server) handleUpsertTribunal(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	instance, err := types.ParseInstance(r.PathValue("instance"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	var p tribunal.Profile
	if err := s.decodeJSON(w, r, &p); err != nil {
		s.errorResponse(w, HTTPStatus(err), err.Error())
		return
	}
	if p.TribunalCode != "" && p.TribunalCode != code {
		s.errorResponse(w, http.StatusBadRequest, "tribunal_code in body does not match path")
		return
	}
	if p.Instance != "" && p.Instance != instance {
		s.errorResponse(w, http.StatusBadRequest, "instance in body does not match path")
		return
	}
	p.TribunalCode = code
	p.Instance = instance
	if err := p.Validate(); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	stored, err := s.deps.Store.UpsertProfile(r.Context(), &p)
	var mixed *tribunal.MixedAccessError
	if errors.As(err, &mixed) {
		s.errorResponse(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("failed to upsert tribunal profile", "tribunal", code, "instance", instance, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "Failed to save tribunal profile")
		return
	}
	// Unified and single-access profiles serve every instance of the tribunal.
	s.deps.Profiles.Invalidate(code)
	s.logger.Info("tribunal profile saved", "tribunal", code, "instance", instance, "version", stored.Version)
	s.jsonResponse(w, http.StatusOK, stored)
}

// handleInvalidateTribunal drops the cached profiles of one tribunal.
func (s *Server) handleInvalidateTribunal(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	s.deps.Profiles.Invalidate(code)
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "invalidated", "tribunal_code": code})
}

// handleListCredentials lists credential metadata, optionally for one lawyer.
func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	var lawyerID int64
	if v := r.URL.Query().Get("lawyer_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "lawyer_id must be a positive integer")
			return
		}
		lawyerID = id
	}

	creds, err := s.deps.Store.ListCredentials(r.Context(), lawyerID)
	if err != nil {
		s.logger.Error("failed to list credentials", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "Failed to list credentials")
		return
	}
	if creds == nil {
		creds = []db.CredentialInfo{}
	}
	s.jsonResponse(w, http.StatusOK, creds)
}

// handleSetCredential seals and stores a court login.
func (s *Server) handleSetCredential(w http.ResponseWriter, r *http.Request) {
	var req CredentialRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.errorResponse(w, HTTPStatus(err), err.Error())
		return
	}
	if err := validate.Struct(&req); err != nil {
		verr := validationError(err)
		s.errorResponse(w, HTTPStatus(verr), verr.Error())
		return
	}

	key := vault.Key{LawyerID: req.LawyerID, Tribunal: req.TribunalCode, Instance: req.Instance}
	sealed, err := s.deps.Vault.Seal(key, req.Username, req.Password)
	if err != nil {
		s.logger.Error("failed to seal credential", "lawyer_id", key.LawyerID, "tribunal", key.Tribunal, "instance", key.Instance)
		s.errorResponse(w, http.StatusInternalServerError, "Failed to seal credential")
		return
	}

	id, err := s.deps.Store.UpsertCredential(r.Context(), key, sealed, s.cfg.KeyVersion)
	if err != nil {
		s.logger.Error("failed to store credential", "lawyer_id", key.LawyerID, "tribunal", key.Tribunal, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "Failed to store credential")
		return
	}

	s.logger.Info("credential stored", "credential_id", id, "lawyer_id", key.LawyerID, "tribunal", key.Tribunal, "instance", key.Instance)
	s.jsonResponse(w, http.StatusOK, CredentialResponse{
		ID:           id,
		LawyerID:     key.LawyerID,
		TribunalCode: key.Tribunal,
		Instance:     key.Instance,
		KeyVersion:   s.cfg.KeyVersion,
	})
}

// handleDeactivateCredential marks a credential inactive without deleting it.
func (s *Server) handleDeactivateCredential(w http.ResponseWriter, r *http.Request) {
	var key vault.Key
	if err := s.decodeJSON(w, r, &key); err != nil {
		s.errorResponse(w, HTTPStatus(err), err.Error())
		return
	}
	if err := validate.Struct(&key); err != nil {
		verr := validationError(err)
		s.errorResponse(w, HTTPStatus(verr), verr.Error())
		return
	}

	if err := s.deps.Store.DeactivateCredential(r.Context(), key); err != nil {
		status := HTTPStatus(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("failed to deactivate credential", "lawyer_id", key.LawyerID, "tribunal", key.Tribunal, "error", err)
		}
		s.errorResponse(w, status, err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "deactivated"})
}
