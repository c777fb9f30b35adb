// Package api exposes record and certificate management over HTTP. Every
// route is scoped to the user owning the presented API key.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/poyrazK/dnsforge/internal/core/domain"
	"github.com/poyrazK/dnsforge/internal/core/ports"
	"github.com/poyrazK/dnsforge/internal/core/services"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// APIHandler handles HTTP requests for record and certificate management.
type APIHandler struct {
	records *services.RecordService
	certs   *services.CertificateService
	repo    ports.RecordRepository
	certsDB ports.CertificateRepository
	keys    ports.ApiKeyRepository
}

// NewAPIHandler creates and returns a new APIHandler instance.
func NewAPIHandler(
	records *services.RecordService,
	certs *services.CertificateService,
	repo ports.RecordRepository,
	certsDB ports.CertificateRepository,
	keys ports.ApiKeyRepository,
) *APIHandler {
	return &APIHandler{records: records, certs: certs, repo: repo, certsDB: certsDB, keys: keys}
}

// RegisterRoutes registers the API routes with the provided ServeMux.
func (h *APIHandler) RegisterRoutes(mux *http.ServeMux) {
	// Public Routes
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.HandleFunc("GET /metrics", h.Metrics)

	auth := AuthMiddleware(h.keys)

	// Protected Routes (scoped by the username bound to the API key)
	mux.Handle("GET /records", auth(http.HandlerFunc(h.ListRecords)))
	mux.Handle("POST /records", auth(http.HandlerFunc(h.CreateRecord)))
	mux.Handle("PATCH /records/{id}", auth(http.HandlerFunc(h.UpdateRecord)))
	mux.Handle("POST /records/{id}/renew", auth(http.HandlerFunc(h.RenewRecord)))
	mux.Handle("DELETE /records/{id}", auth(http.HandlerFunc(h.DeleteRecord)))
	mux.Handle("POST /certificates", auth(http.HandlerFunc(h.RequestCertificate)))
	mux.Handle("GET /certificates/{id}", auth(http.HandlerFunc(h.GetCertificate)))
}

// Metrics handles Prometheus metrics scraping requests.
func (h *APIHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// HealthCheck handles health check requests.
func (h *APIHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "UP"}); err != nil {
		log.Printf("failed to encode health check response: %v", err)
	}
}

func (h *APIHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	username, ok := requestUsername(w, r)
	if !ok {
		return
	}

	records, err := h.records.List(r.Context(), username)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []domain.DnsRecord{}
	}

	writeJSON(w, http.StatusOK, records)
}

func (h *APIHandler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	username, ok := requestUsername(w, r)
	if !ok {
		return
	}

	var record domain.DnsRecord
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	record.Username = username

	if err := h.records.Create(r.Context(), &record); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, record)
}

func (h *APIHandler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	username, ok := requestUsername(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if !h.ownsRecord(w, r, id, username) {
		return
	}

	var patch domain.RecordPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	updated, err := h.records.Update(r.Context(), id, patch)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (h *APIHandler) RenewRecord(w http.ResponseWriter, r *http.Request) {
	username, ok := requestUsername(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if !h.ownsRecord(w, r, id, username) {
		return
	}

	renewed, err := h.records.Renew(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, renewed)
}

func (h *APIHandler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	username, ok := requestUsername(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if !h.ownsRecord(w, r, id, username) {
		return
	}

	if _, err := h.records.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) RequestCertificate(w http.ResponseWriter, r *http.Request) {
	username, ok := requestUsername(w, r)
	if !ok {
		return
	}

	cert, err := h.certs.RequestCertificate(r.Context(), username)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, cert)
}

func (h *APIHandler) GetCertificate(w http.ResponseWriter, r *http.Request) {
	username, ok := requestUsername(w, r)
	if !ok {
		return
	}

	cert, err := h.certsDB.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if cert.Username != username {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, cert)
}

// ownsRecord rejects the request when the record does not exist or belongs
// to another user. Foreign records 404 rather than 403 so ids don't leak.
func (h *APIHandler) ownsRecord(w http.ResponseWriter, r *http.Request, id, username string) bool {
	record, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return false
	}
	if record.Username != username {
		http.Error(w, "Not found", http.StatusNotFound)
		return false
	}
	return true
}

func requestUsername(w http.ResponseWriter, r *http.Request) (string, bool) {
	username, ok := r.Context().Value(CtxUsername).(string)
	if !ok || username == "" {
		log.Printf("%s %s: missing username in context", r.Method, r.URL.Path)
		http.Error(w, "Unauthorized: missing user context", http.StatusUnauthorized)
		return "", false
	}
	return username, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrInvalidRecord):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrDeactivatedAccount):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, domain.ErrQuotaExceeded):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, domain.ErrDuplicateRecord):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
