package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/paysink/internal/endpoint"
	"github.com/mattjoyce/paysink/internal/vault"
)

const maxAdminBody = 64 << 10

func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.Secrets.List(r.Context())
	if err != nil {
		s.logger.Error("list secrets failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list secrets")
		return
	}
	if records == nil {
		records = []*vault.Record{}
	}
	respondJSON(w, http.StatusOK, SecretListResponse{Secrets: records})
}

func (s *Server) handleRegisterSecret(w http.ResponseWriter, r *http.Request) {
	var req vault.RegisterRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	rec, err := s.deps.Secrets.Register(r.Context(), req)
	if err != nil {
		s.writeVaultError(w, "register", req.Endpoint, err)
		return
	}
	s.logger.Info("secret registered", "endpoint", rec.Endpoint, "version", rec.Version, "user", userName(r))
	respondJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetSecret(w http.ResponseWriter, r *http.Request) {
	ep, ok := s.endpointParam(w, r)
	if !ok {
		return
	}
	rec, err := s.deps.Secrets.Get(r.Context(), ep)
	if err != nil {
		s.writeVaultError(w, "get", ep, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRotateSecret(w http.ResponseWriter, r *http.Request) {
	ep, ok := s.endpointParam(w, r)
	if !ok {
		return
	}
	var req vault.RotateRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	rec, err := s.deps.Secrets.RotateWith(r.Context(), ep, req)
	if err != nil {
		s.writeVaultError(w, "rotate", ep, err)
		return
	}
	s.logger.Info("secret rotated", "endpoint", ep, "version", rec.Version, "user", userName(r))
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeactivateSecret(w http.ResponseWriter, r *http.Request) {
	ep, ok := s.endpointParam(w, r)
	if !ok {
		return
	}
	if err := s.deps.Secrets.Deactivate(r.Context(), ep); err != nil {
		s.writeVaultError(w, "deactivate", ep, err)
		return
	}
	s.logger.Info("secret deactivated", "endpoint", ep, "user", userName(r))
	w.WriteHeader(http.StatusNoContent)
}

// handleDecryptSecret returns the plaintext secret. Disabled unless the
// operator opts in, and every call is logged with the caller's name.
func (s *Server) handleDecryptSecret(w http.ResponseWriter, r *http.Request) {
	if !s.config.AllowDecrypt {
		s.writeError(w, http.StatusForbidden, "secret decryption is disabled")
		return
	}
	ep, ok := s.endpointParam(w, r)
	if !ok {
		return
	}

	plain, rec, err := s.deps.Secrets.Reveal(r.Context(), ep)
	if err != nil {
		s.writeVaultError(w, "decrypt", ep, err)
		return
	}
	s.logger.Warn("secret decrypted via admin API", "endpoint", ep, "version", rec.Version, "user", userName(r))

	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, http.StatusOK, DecryptResponse{Endpoint: ep, Version: rec.Version, Secret: string(plain)})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Cache.Stats())
}

func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	s.deps.Cache.InvalidateAll()
	s.logger.Info("secret cache cleared", "user", userName(r))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) endpointParam(w http.ResponseWriter, r *http.Request) (endpoint.Name, bool) {
	ep, err := endpoint.Parse(chi.URLParam(r, "endpoint"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "unknown endpoint")
		return "", false
	}
	return ep, true
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeVaultError maps vault errors onto status codes. Messages never echo
// secret material.
func (s *Server) writeVaultError(w http.ResponseWriter, op string, ep endpoint.Name, err error) {
	switch {
	case errors.Is(err, vault.ErrValidation):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, endpoint.ErrUnknown):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, vault.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "secret not found")
	case errors.Is(err, vault.ErrAlreadyExists):
		s.writeError(w, http.StatusConflict, "secret already registered for endpoint")
	default:
		s.logger.Error("secret operation failed", "op", op, "endpoint", ep, "error", err)
		s.writeError(w, http.StatusInternalServerError, "secret operation failed")
	}
}
