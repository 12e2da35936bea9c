package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/hsm-crypto-gateway/internal/audit"
	"github.com/kenneth/hsm-crypto-gateway/internal/config"
	"github.com/kenneth/hsm-crypto-gateway/internal/crypto"
	"github.com/kenneth/hsm-crypto-gateway/internal/hsm"
	"github.com/kenneth/hsm-crypto-gateway/internal/keystore"
	"github.com/kenneth/hsm-crypto-gateway/internal/metrics"
)

// Handler handles HTTP requests for key and cipher operations.
type Handler struct {
	session     hsm.Session
	provider    *crypto.Provider
	store       keystore.Store
	auditLogger audit.Logger
	metrics     *metrics.Metrics
	logger      *logrus.Logger
	config      *config.Config
	policies    *config.PolicyManager
}

// NewHandler creates a new API handler. The policy manager is optional;
// without one every key uses the base attribute policy from the config.
func NewHandler(
	session hsm.Session,
	cfg *config.Config,
	store keystore.Store,
	auditLogger audit.Logger,
	m *metrics.Metrics,
	logger *logrus.Logger,
	policies *config.PolicyManager,
) *Handler {
	return &Handler{
		session: session,
		provider: crypto.NewProvider(session, crypto.TemplateOptions{
			Token:     cfg.Keys.Token,
			Sensitive: cfg.Keys.Sensitive,
		}),
		store:       store,
		auditLogger: auditLogger,
		metrics:     m,
		logger:      logger,
		config:      cfg,
		policies:    policies,
	}
}

// providerFor returns the cipher provider whose attribute policy applies to
// the given algorithm name. Policies override Token/Sensitive per algorithm
// pattern; everything else stays on the base provider.
func (h *Handler) providerFor(name string) *crypto.Provider {
	if h.policies == nil {
		return h.provider
	}
	policy := h.policies.GetPolicyForAlgorithm(name)
	if policy == nil || policy.Keys == nil {
		return h.provider
	}
	h.logger.WithFields(logrus.Fields{
		"policy":    policy.ID,
		"algorithm": name,
	}).Debug("Applying key policy")
	return crypto.NewProvider(h.session, crypto.TemplateOptions{
		Token:     policy.Keys.Token,
		Sensitive: policy.Keys.Sensitive,
	})
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods("GET")
	r.HandleFunc("/ready", h.handleReady).Methods("GET")
	r.HandleFunc("/live", h.handleLive).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/keys", h.handleGenerateKey).Methods("POST")
	v1.HandleFunc("/keys", h.handleListKeys).Methods("GET")
	v1.HandleFunc("/keys/import", h.handleImportKey).Methods("POST")
	v1.HandleFunc("/keys/{id}/export", h.handleExportKey).Methods("GET")
	v1.HandleFunc("/keys/{id}/encrypt", h.handleEncrypt).Methods("POST")
	v1.HandleFunc("/keys/{id}/decrypt", h.handleDecrypt).Methods("POST")
	v1.HandleFunc("/keys/{id}", h.handleDestroyKey).Methods("DELETE")
}

// keyResponse is the JSON shape of a registered key.
type keyResponse struct {
	ID          string   `json:"id"`
	Algorithm   string   `json:"algorithm"`
	Length      int      `json:"length"`
	Extractable bool     `json:"extractable"`
	Usages      []string `json:"usages"`
	CreatedAt   string   `json:"created_at,omitempty"`
}

func (h *Handler) writeKey(w http.ResponseWriter, status int, id string, key *crypto.Key, createdAt time.Time) {
	resp := keyResponse{
		ID:          id,
		Algorithm:   key.Algorithm.Name,
		Length:      key.Algorithm.Length,
		Extractable: key.Extractable,
		Usages:      key.Usages,
	}
	if !createdAt.IsZero() {
		resp.CreatedAt = createdAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, status, resp)
}

type generateKeyRequest struct {
	Name        string   `json:"name"`
	Length      int      `json:"length"`
	Extractable bool     `json:"extractable"`
	Usages      []string `json:"usages"`
}

// handleGenerateKey handles POST /v1/keys.
func (h *Handler) handleGenerateKey(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req generateKeyRequest
	if !h.decodeBody(w, r, &req, "POST", start) {
		return
	}

	alg := crypto.KeyAlgorithm{Name: req.Name, Length: req.Length}
	key, err := h.providerFor(req.Name).GenerateKey(ctx, alg, req.Extractable, req.Usages)
	if err != nil {
		h.writeError(w, r, "POST", err, start)
		h.metrics.RecordKeyOperationError("generate", errorType(err))
		h.auditLogger.LogKeyOperation(audit.EventTypeKeyGenerate, "", req.Name, "", false, err, time.Since(start))
		return
	}

	id, err := h.store.Register(ctx, key)
	if err != nil {
		h.writeError(w, r, "POST", err, start)
		h.metrics.RecordKeyOperationError("generate", "store_full")
		return
	}
	h.metrics.RecordKeyOperation("generate", req.Name)
	h.metrics.SetRegisteredKeys(h.store.Stats().Items)
	h.auditLogger.LogKeyOperation(audit.EventTypeKeyGenerate, id, req.Name, "", true, nil, time.Since(start))

	h.writeKey(w, http.StatusCreated, id, key, time.Now())
	h.metrics.RecordHTTPRequest("POST", r.URL.Path, http.StatusCreated, time.Since(start), 0)
}

type importKeyRequest struct {
	Format      string             `json:"format"`
	JWK         *crypto.JSONWebKey `json:"jwk,omitempty"`
	Raw         string             `json:"raw,omitempty"` // base64
	Name        string             `json:"name"`
	Extractable bool               `json:"extractable"`
	Usages      []string           `json:"usages"`
}

// handleImportKey handles POST /v1/keys/import.
func (h *Handler) handleImportKey(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req importKeyRequest
	if !h.decodeBody(w, r, &req, "POST", start) {
		return
	}

	data := &crypto.KeyData{Format: req.Format, JWK: req.JWK}
	if req.Raw != "" {
		raw, err := base64.StdEncoding.DecodeString(req.Raw)
		if err != nil {
			h.writeAPIError(w, r, "POST", &APIError{
				Code:       "InvalidRequest",
				Message:    "raw key material is not valid base64",
				HTTPStatus: http.StatusBadRequest,
			}, start)
			return
		}
		data.Raw = raw
	}

	key, err := h.providerFor(req.Name).ImportKey(ctx, data, req.Name, req.Extractable, req.Usages)
	if err != nil {
		h.writeError(w, r, "POST", err, start)
		h.metrics.RecordKeyOperationError("import", errorType(err))
		h.auditLogger.LogKeyOperation(audit.EventTypeKeyImport, "", req.Name, req.Format, false, err, time.Since(start))
		return
	}

	id, err := h.store.Register(ctx, key)
	if err != nil {
		h.writeError(w, r, "POST", err, start)
		h.metrics.RecordKeyOperationError("import", "store_full")
		return
	}
	h.metrics.RecordKeyOperation("import", req.Name)
	h.metrics.SetRegisteredKeys(h.store.Stats().Items)
	h.auditLogger.LogKeyOperation(audit.EventTypeKeyImport, id, req.Name, req.Format, true, nil, time.Since(start))

	h.writeKey(w, http.StatusCreated, id, key, time.Now())
	h.metrics.RecordHTTPRequest("POST", r.URL.Path, http.StatusCreated, time.Since(start), 0)
}

type exportKeyResponse struct {
	Format string             `json:"format"`
	JWK    *crypto.JSONWebKey `json:"jwk,omitempty"`
	Raw    string             `json:"raw,omitempty"` // base64
}

// handleExportKey handles GET /v1/keys/{id}/export.
func (h *Handler) handleExportKey(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	entry, ok := h.store.Get(ctx, id)
	if !ok {
		h.writeAPIError(w, r, "GET", ErrKeyNotFound, start)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = crypto.FormatJWK
	}

	data, err := h.provider.ExportKey(ctx, format, entry.Key)
	if err != nil {
		h.writeError(w, r, "GET", err, start)
		h.auditLogger.LogKeyOperation(audit.EventTypeKeyExport, id, entry.Key.Algorithm.Name, format, false, err, time.Since(start))
		return
	}
	h.metrics.RecordKeyOperation("export", entry.Key.Algorithm.Name)
	h.auditLogger.LogKeyOperation(audit.EventTypeKeyExport, id, entry.Key.Algorithm.Name, format, true, nil, time.Since(start))

	resp := exportKeyResponse{Format: data.Format, JWK: data.JWK}
	if data.Raw != nil {
		resp.Raw = base64.StdEncoding.EncodeToString(data.Raw)
	}
	writeJSON(w, http.StatusOK, resp)
	h.metrics.RecordHTTPRequest("GET", r.URL.Path, http.StatusOK, time.Since(start), 0)
}

// cipherRequest carries one encrypt or decrypt call. IV, AAD and data are
// base64. Mode selects the parameter set; GCM and CBC require an IV.
type cipherRequest struct {
	Mode      string `json:"mode"`
	IV        string `json:"iv,omitempty"`
	AAD       string `json:"aad,omitempty"`
	TagLength int    `json:"tag_length,omitempty"`
	Data      string `json:"data"`
}

type cipherResponse struct {
	Data string `json:"data"` // base64
}

// cipherParams builds the algorithm descriptor from the request. Unknown
// modes fall through to the provider's registry, which rejects them.
func (req *cipherRequest) cipherParams() (crypto.Params, []byte, *APIError) {
	decode := func(field, s string) ([]byte, *APIError) {
		if s == "" {
			return nil, nil
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, &APIError{
				Code:       "InvalidRequest",
				Message:    field + " is not valid base64",
				HTTPStatus: http.StatusBadRequest,
			}
		}
		return b, nil
	}

	iv, apiErr := decode("iv", req.IV)
	if apiErr != nil {
		return nil, nil, apiErr
	}
	data, apiErr := decode("data", req.Data)
	if apiErr != nil {
		return nil, nil, apiErr
	}

	switch crypto.Mode(req.Mode) {
	case crypto.ModeGCM:
		if len(iv) == 0 {
			return nil, nil, ErrMissingIV
		}
		aad, apiErr := decode("aad", req.AAD)
		if apiErr != nil {
			return nil, nil, apiErr
		}
		return &crypto.GCMParams{IV: iv, AdditionalData: aad, TagLengthBits: req.TagLength}, data, nil
	case crypto.ModeCBC:
		if len(iv) == 0 {
			return nil, nil, ErrMissingIV
		}
		return &crypto.CBCParams{IV: iv}, data, nil
	case crypto.ModeECB:
		return &crypto.ECBParams{}, data, nil
	default:
		return nil, nil, &APIError{
			Code:       "NotSupported",
			Message:    "unknown cipher mode " + req.Mode,
			HTTPStatus: http.StatusBadRequest,
		}
	}
}

// handleEncrypt handles POST /v1/keys/{id}/encrypt.
func (h *Handler) handleEncrypt(w http.ResponseWriter, r *http.Request) {
	h.handleCipher(w, r, "encrypt")
}

// handleDecrypt handles POST /v1/keys/{id}/decrypt.
func (h *Handler) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	h.handleCipher(w, r, "decrypt")
}

func (h *Handler) handleCipher(w http.ResponseWriter, r *http.Request, operation string) {
	start := time.Now()
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	entry, ok := h.store.Get(ctx, id)
	if !ok {
		h.writeAPIError(w, r, "POST", ErrKeyNotFound, start)
		return
	}

	var req cipherRequest
	if !h.decodeBody(w, r, &req, "POST", start) {
		return
	}

	params, data, apiErr := req.cipherParams()
	if apiErr != nil {
		h.writeAPIError(w, r, "POST", apiErr, start)
		return
	}

	eventType := audit.EventTypeEncrypt
	if operation == "decrypt" {
		eventType = audit.EventTypeDecrypt
	}

	cipherStart := time.Now()
	var out []byte
	var err error
	if operation == "encrypt" {
		out, err = h.provider.Encrypt(ctx, params, entry.Key, data)
	} else {
		out, err = h.provider.Decrypt(ctx, params, entry.Key, data)
	}
	cipherDuration := time.Since(cipherStart)

	if err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"key_id": id,
			"mode":   req.Mode,
		}).Error("Cipher operation failed")
		h.metrics.RecordCipherError(operation, "module_error")
		h.auditLogger.LogCipherOperation(eventType, id, entry.Key.Algorithm.Name, len(data), false, err, cipherDuration)
		h.writeError(w, r, "POST", err, start)
		return
	}

	h.metrics.RecordCipherOperation(operation, req.Mode, cipherDuration, int64(len(data)))
	h.auditLogger.LogCipherOperation(eventType, id, entry.Key.Algorithm.Name, len(data), true, nil, cipherDuration)

	writeJSON(w, http.StatusOK, cipherResponse{Data: base64.StdEncoding.EncodeToString(out)})
	h.metrics.RecordHTTPRequest("POST", r.URL.Path, http.StatusOK, time.Since(start), int64(len(data)))
}

// handleDestroyKey handles DELETE /v1/keys/{id}.
func (h *Handler) handleDestroyKey(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	entry, ok := h.store.Get(ctx, id)
	if !ok {
		h.writeAPIError(w, r, "DELETE", ErrKeyNotFound, start)
		return
	}

	if err := h.provider.DestroyKey(ctx, entry.Key); err != nil {
		h.writeError(w, r, "DELETE", err, start)
		h.auditLogger.LogKeyOperation(audit.EventTypeKeyDestroy, id, entry.Key.Algorithm.Name, "", false, err, time.Since(start))
		return
	}
	if err := h.store.Delete(ctx, id); err != nil {
		h.writeError(w, r, "DELETE", err, start)
		return
	}
	h.metrics.RecordKeyOperation("destroy", entry.Key.Algorithm.Name)
	h.metrics.SetRegisteredKeys(h.store.Stats().Items)
	h.auditLogger.LogKeyOperation(audit.EventTypeKeyDestroy, id, entry.Key.Algorithm.Name, "", true, nil, time.Since(start))

	w.WriteHeader(http.StatusNoContent)
	h.metrics.RecordHTTPRequest("DELETE", r.URL.Path, http.StatusNoContent, time.Since(start), 0)
}

// handleListKeys handles GET /v1/keys.
func (h *Handler) handleListKeys(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ids := h.store.List(r.Context())
	writeJSON(w, http.StatusOK, map[string][]string{"keys": ids})
	h.metrics.RecordHTTPRequest("GET", r.URL.Path, http.StatusOK, time.Since(start), 0)
}

// handleHealth handles health check requests.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports readiness. The gateway is ready once the module
// session answers; the version call is attribute-free and cheap.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	v := h.session.Version()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":         "ready",
		"module_version": v.String(),
	})
}

// handleLive handles liveness check requests.
func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// decodeBody decodes a JSON request body, enforcing the configured size
// limit. Returns false after writing the error response.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}, method string, start time.Time) bool {
	maxBytes := int64(16 << 20)
	if h.config != nil && h.config.Server.MaxBodyBytes > 0 {
		maxBytes = h.config.Server.MaxBodyBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeAPIError(w, r, method, ErrInvalidRequest, start)
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, method string, err error, start time.Time) {
	h.writeAPIError(w, r, method, TranslateError(err), start)
}

func (h *Handler) writeAPIError(w http.ResponseWriter, r *http.Request, method string, apiErr *APIError, start time.Time) {
	apiErr.WriteJSON(w)
	h.metrics.RecordHTTPRequest(method, r.URL.Path, apiErr.HTTPStatus, time.Since(start), 0)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
