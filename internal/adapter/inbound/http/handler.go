package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keymint/keymint/internal/domain/credential"
	"github.com/keymint/keymint/internal/service"
)

// maxBodyBytes bounds a request body. The largest legitimate body is a
// mint request with a full metadata blob.
const maxBodyBytes = 64 * 1024

// Handler routes the public validation endpoint and the gated admin
// surface.
type Handler struct {
	validation *service.ValidationService
	admin      *service.AdminService
	health     *HealthChecker
	metrics    *Metrics
	validate   *validator.Validate
}

// NewHandler creates the handler over the two services.
func NewHandler(validation *service.ValidationService, admin *service.AdminService, health *HealthChecker, metrics *Metrics) *Handler {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("project_id", func(fl validator.FieldLevel) bool {
		return credential.ValidProjectID(fl.Field().String())
	})
	return &Handler{
		validation: validation,
		admin:      admin,
		health:     health,
		metrics:    metrics,
		validate:   v,
	}
}

// Routes builds the ServeMux. Admin routes sit behind the gate; the
// validation endpoint and health are public.
func (h *Handler) Routes(adminGate func(http.Handler) http.Handler) *http.ServeMux {
	mux := http.NewServeMux()

	route := func(pattern, name string, fn http.HandlerFunc, gated bool) {
		var handler http.Handler = fn
		if gated {
			handler = adminGate(handler)
		}
		mux.Handle(pattern, h.metrics.Middleware(name, handler))
	}

	route("POST /v1/validate-key", "validate_key", h.handleValidateKey, false)
	route("POST /v1/mint-key", "mint_key", h.handleMintKey, true)
	route("POST /v1/revoke-key", "revoke_key", h.handleRevokeKey, true)
	route("GET /v1/list-keys", "list_keys", h.handleListKeys, true)
	route("POST /v1/admin/create-project", "create_project", h.handleCreateProject, true)
	route("GET /v1/admin/project/{project_id}", "get_project", h.handleGetProject, true)

	mux.Handle("GET /health", h.health.Handler())
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

// decodeStrict decodes one JSON object, rejecting unknown fields and
// trailing content.
func decodeStrict(r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("trailing content after JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type validateKeyRequest struct {
	APIKey string `json:"api_key" validate:"required"`
}

type validateKeyResponse struct {
	ProjectID string `json:"project_id"`
	KeyID     string `json:"key_id"`
	Owner     string `json:"owner"`
	Metadata  string `json:"metadata"`
}

func (h *Handler) handleValidateKey(w http.ResponseWriter, r *http.Request) {
	var req validateKeyRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "api_key is required")
		return
	}

	res, err := h.validation.Validate(r.Context(), req.APIKey)
	if err != nil {
		h.countValidation(err)
		writeServiceError(w, err)
		return
	}

	h.countValidationResult("ok")
	writeJSON(w, http.StatusOK, validateKeyResponse{
		ProjectID: res.ProjectID,
		KeyID:     res.KeyID,
		Owner:     res.Owner,
		Metadata:  res.Metadata,
	})
}

type mintKeyRequest struct {
	ProjectID string   `json:"project_id" validate:"required,project_id"`
	Owner     string   `json:"owner" validate:"required,max=256"`
	Metadata  string   `json:"metadata" validate:"max=4096"`
	ExpiresAt *float64 `json:"expires_at"`
}

type mintKeyResponse struct {
	APIKey string `json:"api_key"`
}

func (h *Handler) handleMintKey(w http.ResponseWriter, r *http.Request) {
	var req mintKeyRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", validationMessage(err))
		return
	}

	res, err := h.admin.MintKey(r.Context(), service.MintParams{
		ProjectID: req.ProjectID,
		Owner:     req.Owner,
		Metadata:  req.Metadata,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if h.metrics != nil {
		h.metrics.KeysMintedTotal.Inc()
	}
	writeJSON(w, http.StatusCreated, mintKeyResponse{APIKey: res.Bearer})
}

type revokeKeyRequest struct {
	ProjectID string `json:"project_id" validate:"required,project_id"`
	KeyID     string `json:"key_id" validate:"required"`
}

func (h *Handler) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	var req revokeKeyRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", validationMessage(err))
		return
	}

	if err := h.admin.RevokeKey(r.Context(), req.ProjectID, req.KeyID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

func (h *Handler) handleListKeys(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	projectID := q.Get("project_id")
	if !credential.ValidProjectID(projectID) {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "invalid project_id")
		return
	}
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "offset must be an integer")
		return
	}
	limit, err := queryInt(q.Get("limit"), 0)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "limit must be an integer")
		return
	}

	page, err := h.admin.ListKeys(r.Context(), projectID, offset, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	doc, err := h.admin.CreateProject(r.Context(), q.Get("project_id"), q.Get("label"), q.Get("owner"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (h *Handler) handleGetProject(w http.ResponseWriter, r *http.Request) {
	doc, err := h.admin.GetProject(r.Context(), r.PathValue("project_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// countValidation records the validation outcome metric from the
// pipeline error.
func (h *Handler) countValidation(err error) {
	switch {
	case errors.Is(err, service.ErrUnauthorized):
		h.countValidationResult("denied")
	case errors.Is(err, service.ErrRateLimited):
		h.countValidationResult("rate_limited")
	case errors.Is(err, service.ErrInternal):
		h.countValidationResult("error")
	default:
		h.countValidationResult("unavailable")
	}
}

func (h *Handler) countValidationResult(result string) {
	if h.metrics != nil {
		h.metrics.ValidationsTotal.WithLabelValues(result).Inc()
	}
}

// validationMessage renders the first field violation as a short,
// client-safe message.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		f := verrs[0]
		return fmt.Sprintf("field %s fails constraint %s", f.Field(), f.Tag())
	}
	return "invalid request"
}

func queryInt(s string, fallback int) (int, error) {
	if s == "" {
		return fallback, nil
	}
	return strconv.Atoi(s)
}
