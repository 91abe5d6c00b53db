package serve

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func multipartBody(t *testing.T, image io.Reader, k string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if image != nil {
		fw, err := w.CreateFormFile("image", "leaf.png")
		require.NoError(t, err)
		_, err = io.Copy(fw, image)
		require.NoError(t, err)
	}
	if k != "" {
		require.NoError(t, w.WriteField("k", k))
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func doRequest(h *Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthLoaded(t *testing.T) {
	svc := newTestService(t, &fakeBackend{logits: []float32{1, 2, 3, 4, 5}})
	h := NewHandler(svc, quietLogger())

	rec := doRequest(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status      string   `json:"status"`
		ModelLoaded bool     `json:"model_loaded"`
		Classes     []string `json:"classes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.True(t, body.ModelLoaded)
	assert.Len(t, body.Classes, 5)
}

func TestHealthDegraded(t *testing.T) {
	h := NewHandler(nil, quietLogger())

	rec := doRequest(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status      string `json:"status"`
		ModelLoaded bool   `json:"model_loaded"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.False(t, body.ModelLoaded)
}

func TestPredictEndpoint(t *testing.T) {
	svc := newTestService(t, &fakeBackend{logits: []float32{0, 5, 1, 2, 3}})
	h := NewHandler(svc, quietLogger())

	body, contentType := multipartBody(t, pngImage(t), "2")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/predict", body)
	req.Header.Set("Content-Type", contentType)

	rec := doRequest(h, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Predictions []Prediction `json:"predictions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Predictions, 2)
	assert.Equal(t, "cbsd", resp.Predictions[0].Label)
}

func TestPredictEndpointNoModel(t *testing.T) {
	h := NewHandler(nil, quietLogger())

	body, contentType := multipartBody(t, pngImage(t), "")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/predict", body)
	req.Header.Set("Content-Type", contentType)

	rec := doRequest(h, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPredictEndpointMissingImage(t *testing.T) {
	svc := newTestService(t, &fakeBackend{logits: []float32{1, 2, 3, 4, 5}})
	h := NewHandler(svc, quietLogger())

	body, contentType := multipartBody(t, nil, "3")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/predict", body)
	req.Header.Set("Content-Type", contentType)

	rec := doRequest(h, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPredictEndpointBadK(t *testing.T) {
	svc := newTestService(t, &fakeBackend{logits: []float32{1, 2, 3, 4, 5}})
	h := NewHandler(svc, quietLogger())

	for _, k := range []string{"abc", "9"} {
		body, contentType := multipartBody(t, pngImage(t), k)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/predict", body)
		req.Header.Set("Content-Type", contentType)

		rec := doRequest(h, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "k=%s", k)
	}
}

func TestPredictEndpointCorruptImage(t *testing.T) {
	svc := newTestService(t, &fakeBackend{logits: []float32{1, 2, 3, 4, 5}})
	h := NewHandler(svc, quietLogger())

	body, contentType := multipartBody(t, strings.NewReader("junk"), "")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/predict", body)
	req.Header.Set("Content-Type", contentType)

	rec := doRequest(h, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPredictEndpointBackendFailure(t *testing.T) {
	svc := newTestService(t, &fakeBackend{err: io.ErrUnexpectedEOF})
	h := NewHandler(svc, quietLogger())

	body, contentType := multipartBody(t, pngImage(t), "")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/predict", body)
	req.Header.Set("Content-Type", contentType)

	rec := doRequest(h, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	// Internal details never leak to the client.
	assert.NotContains(t, rec.Body.String(), "unexpected EOF")
}

func TestRequestIDHeader(t *testing.T) {
	h := NewHandler(nil, quietLogger())

	rec := doRequest(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	rec = doRequest(h, req)
	assert.Equal(t, "fixed-id", rec.Header().Get("X-Request-ID"))
}
