package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/hsm-crypto-gateway/internal/audit"
	"github.com/kenneth/hsm-crypto-gateway/internal/config"
	"github.com/kenneth/hsm-crypto-gateway/internal/hsm"
	"github.com/kenneth/hsm-crypto-gateway/internal/keystore"
	"github.com/kenneth/hsm-crypto-gateway/internal/metrics"
)

type nullWriter struct{}

func (nullWriter) WriteEvent(event *audit.AuditEvent) error { return nil }

func newTestHandler(t *testing.T) (*Handler, *mux.Router) {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	logger.SetOutput(io.Discard)

	cfg := &config.Config{
		Keys:   config.KeysConfig{Token: false, Sensitive: false},
		Server: config.ServerConfig{MaxBodyBytes: 1 << 20},
	}

	h := NewHandler(
		hsm.NewSoftwareSession(),
		cfg,
		keystore.NewMemoryStore(0),
		audit.NewLogger(100, nullWriter{}),
		metrics.NewMetricsWithRegistry(prometheus.NewRegistry()),
		logger,
		nil,
	)

	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return h, r
}

func doJSON(t *testing.T, r *mux.Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func generateKey(t *testing.T, r *mux.Router, name string, length int, extractable bool, usages []string) string {
	t.Helper()

	w := doJSON(t, r, "POST", "/v1/keys", generateKeyRequest{
		Name:        name,
		Length:      length,
		Extractable: extractable,
		Usages:      usages,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp keyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)
	return resp.ID
}

func TestGenerateKey(t *testing.T) {
	_, r := newTestHandler(t)

	w := doJSON(t, r, "POST", "/v1/keys", generateKeyRequest{
		Name:        "AES-GCM",
		Length:      256,
		Extractable: true,
		Usages:      []string{"encrypt", "decrypt"},
	})

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp keyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "AES-GCM", resp.Algorithm)
	assert.Equal(t, 256, resp.Length)
	assert.True(t, resp.Extractable)
	assert.Equal(t, []string{"encrypt", "decrypt"}, resp.Usages)
}

func TestGenerateKey_InvalidLength(t *testing.T) {
	_, r := newTestHandler(t)

	w := doJSON(t, r, "POST", "/v1/keys", generateKeyRequest{
		Name:   "AES-GCM",
		Length: 100,
		Usages: []string{"encrypt"},
	})

	assert.Equal(t, http.StatusBadGateway, w.Code)

	var apiErr APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
	assert.Equal(t, "KeyGenerationFailed", apiErr.Code)
}

func TestGenerateKey_UnsupportedMode(t *testing.T) {
	_, r := newTestHandler(t)

	w := doJSON(t, r, "POST", "/v1/keys", generateKeyRequest{
		Name:   "AES-CTR",
		Length: 128,
		Usages: []string{"encrypt"},
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var apiErr APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
	assert.Equal(t, "NotSupported", apiErr.Code)
}

func TestGenerateKey_MalformedName(t *testing.T) {
	_, r := newTestHandler(t)

	w := doJSON(t, r, "POST", "/v1/keys", generateKeyRequest{
		Name:   "AESGCM",
		Length: 128,
		Usages: []string{"encrypt"},
	})

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestGenerateKey_InvalidBody(t *testing.T) {
	_, r := newTestHandler(t)

	req := httptest.NewRequest("POST", "/v1/keys", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		mode string
		alg  string
		iv   int
	}{
		{"GCM", "GCM", "AES-GCM", 12},
		{"CBC", "CBC", "AES-CBC", 16},
		{"ECB", "ECB", "AES-ECB", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, r := newTestHandler(t)
			id := generateKey(t, r, tt.alg, 128, false, []string{"encrypt", "decrypt"})

			plaintext := []byte("the quick brown fox")
			iv := make([]byte, tt.iv)
			for i := range iv {
				iv[i] = byte(i + 1)
			}

			req := cipherRequest{
				Mode: tt.mode,
				Data: base64.StdEncoding.EncodeToString(plaintext),
			}
			if tt.iv > 0 {
				req.IV = base64.StdEncoding.EncodeToString(iv)
			}

			w := doJSON(t, r, "POST", "/v1/keys/"+id+"/encrypt", req)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())

			var encResp cipherResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &encResp))
			ciphertext, err := base64.StdEncoding.DecodeString(encResp.Data)
			require.NoError(t, err)
			assert.NotEqual(t, plaintext, ciphertext)

			req.Data = encResp.Data
			w = doJSON(t, r, "POST", "/v1/keys/"+id+"/decrypt", req)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())

			var decResp cipherResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decResp))
			decrypted, err := base64.StdEncoding.DecodeString(decResp.Data)
			require.NoError(t, err)
			assert.Equal(t, plaintext, decrypted)
		})
	}
}

func TestEncrypt_UnknownKey(t *testing.T) {
	_, r := newTestHandler(t)

	w := doJSON(t, r, "POST", "/v1/keys/no-such-key/encrypt", cipherRequest{
		Mode: "ECB",
		Data: base64.StdEncoding.EncodeToString([]byte("data")),
	})

	assert.Equal(t, http.StatusNotFound, w.Code)

	var apiErr APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
	assert.Equal(t, "KeyNotFound", apiErr.Code)
}

func TestEncrypt_UnknownMode(t *testing.T) {
	_, r := newTestHandler(t)
	id := generateKey(t, r, "AES-GCM", 128, false, []string{"encrypt"})

	w := doJSON(t, r, "POST", "/v1/keys/"+id+"/encrypt", cipherRequest{
		Mode: "CTR",
		Data: base64.StdEncoding.EncodeToString([]byte("data")),
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEncrypt_MissingIV(t *testing.T) {
	_, r := newTestHandler(t)
	id := generateKey(t, r, "AES-GCM", 128, false, []string{"encrypt"})

	w := doJSON(t, r, "POST", "/v1/keys/"+id+"/encrypt", cipherRequest{
		Mode: "GCM",
		Data: base64.StdEncoding.EncodeToString([]byte("data")),
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEncrypt_BadBase64(t *testing.T) {
	_, r := newTestHandler(t)
	id := generateKey(t, r, "AES-ECB", 128, false, []string{"encrypt"})

	w := doJSON(t, r, "POST", "/v1/keys/"+id+"/encrypt", cipherRequest{
		Mode: "ECB",
		Data: "!!not-base64!!",
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExportKey_JWK(t *testing.T) {
	_, r := newTestHandler(t)
	id := generateKey(t, r, "AES-GCM", 128, true, []string{"encrypt"})

	w := doJSON(t, r, "GET", "/v1/keys/"+id+"/export?format=jwk", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp exportKeyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.JWK)
	assert.Equal(t, "oct", resp.JWK.Kty)
	assert.Equal(t, "A128GCM", resp.JWK.Alg)
	assert.NotEmpty(t, resp.JWK.K)
}

func TestExportKey_Raw(t *testing.T) {
	_, r := newTestHandler(t)
	id := generateKey(t, r, "AES-CBC", 256, true, []string{"encrypt"})

	w := doJSON(t, r, "GET", "/v1/keys/"+id+"/export?format=raw", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp exportKeyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	raw, err := base64.StdEncoding.DecodeString(resp.Raw)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}

func TestExportKey_UnsupportedFormat(t *testing.T) {
	_, r := newTestHandler(t)
	id := generateKey(t, r, "AES-GCM", 128, true, []string{"encrypt"})

	w := doJSON(t, r, "GET", "/v1/keys/"+id+"/export?format=der", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var apiErr APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
	assert.Equal(t, "UnsupportedFormat", apiErr.Code)
}

func TestExportKey_NotExtractable(t *testing.T) {
	_, r := newTestHandler(t)
	id := generateKey(t, r, "AES-GCM", 128, false, []string{"encrypt"})

	w := doJSON(t, r, "GET", "/v1/keys/"+id+"/export?format=raw", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestImportExportRoundTrip(t *testing.T) {
	_, r := newTestHandler(t)

	raw := make([]byte, 16)
	for i := range raw {
		raw[i] = byte(i)
	}

	w := doJSON(t, r, "POST", "/v1/keys/import", importKeyRequest{
		Format:      "raw",
		Raw:         base64.StdEncoding.EncodeToString(raw),
		Name:        "AES-CBC",
		Extractable: true,
		Usages:      []string{"encrypt", "decrypt"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp keyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 128, resp.Length)

	w = doJSON(t, r, "GET", "/v1/keys/"+resp.ID+"/export?format=raw", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var exported exportKeyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &exported))
	got, err := base64.StdEncoding.DecodeString(exported.Raw)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestImportKey_MissingJWK(t *testing.T) {
	_, r := newTestHandler(t)

	w := doJSON(t, r, "POST", "/v1/keys/import", importKeyRequest{
		Format: "jwk",
		Name:   "AES-GCM",
		Usages: []string{"encrypt"},
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var apiErr APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
	assert.Equal(t, "UnsupportedFormat", apiErr.Code)
}

func TestImportKey_BadFormat(t *testing.T) {
	_, r := newTestHandler(t)

	w := doJSON(t, r, "POST", "/v1/keys/import", importKeyRequest{
		Format: "pkcs8",
		Raw:    base64.StdEncoding.EncodeToString(make([]byte, 16)),
		Name:   "AES-GCM",
		Usages: []string{"encrypt"},
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDestroyKey(t *testing.T) {
	_, r := newTestHandler(t)
	id := generateKey(t, r, "AES-GCM", 128, false, []string{"encrypt"})

	w := doJSON(t, r, "DELETE", "/v1/keys/"+id, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	// Gone afterwards
	w = doJSON(t, r, "DELETE", "/v1/keys/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListKeys(t *testing.T) {
	_, r := newTestHandler(t)

	ids := make(map[string]bool)
	for i := 0; i < 3; i++ {
		id := generateKey(t, r, "AES-GCM", 128, false, []string{"encrypt"})
		ids[id] = true
	}

	w := doJSON(t, r, "GET", "/v1/keys", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string][]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp["keys"], 3)
	for _, id := range resp["keys"] {
		assert.True(t, ids[id], fmt.Sprintf("unexpected key id %s", id))
	}
}

func TestHealthEndpoints(t *testing.T) {
	_, r := newTestHandler(t)

	for _, path := range []string{"/health", "/ready", "/live"} {
		w := doJSON(t, r, "GET", path, nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}
