package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greenday-app/leafdx/internal/diagnosis"
	"github.com/greenday-app/leafdx/internal/store"
)

type mockDiagnoser struct {
	lastOpts    diagnosis.Options
	hadDeadline bool
	result      *diagnosis.Result
	err         error
}

func (m *mockDiagnoser) Diagnose(ctx context.Context, data []byte, opts diagnosis.Options) (*diagnosis.Result, error) {
	return m.DiagnoseWithProgress(ctx, data, opts, nil)
}

func (m *mockDiagnoser) DiagnoseWithProgress(ctx context.Context, data []byte, opts diagnosis.Options, progress diagnosis.ProgressFunc) (*diagnosis.Result, error) {
	m.lastOpts = opts
	_, m.hadDeadline = ctx.Deadline()
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

type mockRecords struct {
	byID    map[string]*store.Record
	byOwner map[string][]*store.Record
}

func (m *mockRecords) Get(ctx context.Context, id string) (*store.Record, error) {
	return m.byID[id], nil
}

func (m *mockRecords) ListByOwner(ctx context.Context, owner string, limit int) ([]*store.Record, error) {
	return m.byOwner[owner], nil
}

func sampleRecord() *store.Record {
	return &store.Record{
		ID:           "rec-1",
		OwnerID:      "owner-1",
		DiseaseKey:   "early_blight",
		DiseaseLabel: "Early Blight",
		Score:        0.91,
		Severity:     "HIGH",
		Candidates: []store.Candidate{
			{Key: "early_blight", Probability: 0.91},
			{Key: "late_blight", Probability: 0.09},
		},
		Width:     640,
		Height:    480,
		CreatedAt: time.Now(),
	}
}

func newTestServer(t *testing.T, d *mockDiagnoser, recs *mockRecords) *httptest.Server {
	t.Helper()
	srv := NewServer(Config{
		CORSOrigin:  "*",
		MaxUploadMB: 1,
		TimeoutSec:  5,
	}, Deps{Diagnoser: d, Records: recs})

	mux := http.NewServeMux()
	srv.SetupRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func multipartImage(t *testing.T, payload []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("image", "leaf.jpg")
	require.NoError(t, err)
	_, err = fw.Write(payload)
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, &mockDiagnoser{result: &diagnosis.Result{Record: sampleRecord()}}, nil)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
}

func TestDiagnoseHappyPath(t *testing.T) {
	d := &mockDiagnoser{result: &diagnosis.Result{Record: sampleRecord()}}
	ts := newTestServer(t, d, nil)

	body, contentType := multipartImage(t, []byte("fake-image-bytes"), nil)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/diagnose", body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(ownerHeader, "owner-1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out DiagnoseResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out.Success)
	require.NotNil(t, out.Result)
	assert.Equal(t, "rec-1", out.Result.ID)
	assert.Equal(t, "early_blight", out.Result.Disease)
	assert.Equal(t, "HIGH", out.Result.Severity)
	assert.Len(t, out.Result.Candidates, 2)

	assert.Equal(t, "owner-1", d.lastOpts.OwnerID)
	assert.Equal(t, 3, d.lastOpts.TopK)
	assert.True(t, d.lastOpts.UsePreprocess)
	// The configured request timeout bounds the pipeline context.
	assert.True(t, d.hadDeadline)
}

func TestDiagnoseOptionsParsing(t *testing.T) {
	d := &mockDiagnoser{result: &diagnosis.Result{Record: sampleRecord()}}
	ts := newTestServer(t, d, nil)

	body, contentType := multipartImage(t, []byte("fake"), map[string]string{
		"top_k":             "5",
		"use_preprocess":    "false",
		"use_tta":           "true",
		"include_clip":      "true",
		"include_per_model": "true",
		"include_advice":    "true",
	})
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/diagnose", body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentType)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 5, d.lastOpts.TopK)
	assert.False(t, d.lastOpts.UsePreprocess)
	assert.True(t, d.lastOpts.UseTTA)
	assert.True(t, d.lastOpts.IncludeZeroShot)
	assert.True(t, d.lastOpts.IncludePerModel)
	assert.True(t, d.lastOpts.IncludeAdvice)

	var out DiagnoseResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotNil(t, out.Result)
	assert.NotEmpty(t, out.Result.Advice)
}

func TestDiagnoseMissingImage(t *testing.T) {
	ts := newTestServer(t, &mockDiagnoser{}, nil)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("top_k", "3"))
	require.NoError(t, w.Close())

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/diagnose", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDiagnoseOversizeUpload(t *testing.T) {
	ts := newTestServer(t, &mockDiagnoser{result: &diagnosis.Result{Record: sampleRecord()}}, nil)

	// Limit is 1 MB; send 2 MB.
	body, contentType := multipartImage(t, bytes.Repeat([]byte{0xAB}, 2<<20), nil)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/diagnose", body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentType)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestDiagnoseInferenceUnavailable(t *testing.T) {
	ts := newTestServer(t, &mockDiagnoser{err: diagnosis.ErrInferenceUnavailable}, nil)

	body, contentType := multipartImage(t, []byte("fake"), nil)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/diagnose", body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentType)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestDiagnoseRejectsGet(t *testing.T) {
	ts := newTestServer(t, &mockDiagnoser{}, nil)

	resp, err := http.Get(ts.URL + "/v1/diagnose")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestVocabularyEndpoint(t *testing.T) {
	ts := newTestServer(t, &mockDiagnoser{}, nil)

	resp, err := http.Get(ts.URL + "/v1/vocabulary")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out VocabularyResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, len(out.Entries), out.Count)
	assert.Greater(t, out.Count, 10)

	keys := make(map[string]bool, out.Count)
	for _, e := range out.Entries {
		keys[e.Key] = true
		assert.NotEmpty(t, e.Label)
	}
	assert.True(t, keys["early_blight"])
	assert.True(t, keys["healthy"])
}

func TestRemedyEndpoint(t *testing.T) {
	ts := newTestServer(t, &mockDiagnoser{}, nil)

	resp, err := http.Get(ts.URL + "/v1/remedy/powdery_mildew")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotEmpty(t, out["lines"])
}

func TestRemedyUnknownKey(t *testing.T) {
	ts := newTestServer(t, &mockDiagnoser{}, nil)

	resp, err := http.Get(ts.URL + "/v1/remedy/not_a_disease")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRecordLookup(t *testing.T) {
	rec := sampleRecord()
	recs := &mockRecords{byID: map[string]*store.Record{rec.ID: rec}}
	ts := newTestServer(t, &mockDiagnoser{}, recs)

	resp, err := http.Get(ts.URL + "/v1/diagnoses/rec-1")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out DiagnoseResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotNil(t, out.Result)
	assert.Equal(t, "early_blight", out.Result.Disease)
}

func TestRecordNotFound(t *testing.T) {
	ts := newTestServer(t, &mockDiagnoser{}, &mockRecords{byID: map[string]*store.Record{}})

	resp, err := http.Get(ts.URL + "/v1/diagnoses/nope")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHistoryListing(t *testing.T) {
	rec := sampleRecord()
	recs := &mockRecords{byOwner: map[string][]*store.Record{"owner-1": {rec, rec}}}
	ts := newTestServer(t, &mockDiagnoser{}, recs)

	resp, err := http.Get(ts.URL + "/v1/diagnoses?owner=owner-1")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out HistoryResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 2, out.Count)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, &mockDiagnoser{}, nil)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/v1/diagnose", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2)

	assert.NoError(t, rl.Check("1.2.3.4"))
	assert.NoError(t, rl.Check("1.2.3.4"))

	err := rl.Check("1.2.3.4")
	require.Error(t, err)
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 2, rle.Limit)

	// Other clients are unaffected.
	assert.NoError(t, rl.Check("5.6.7.8"))
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name     string
		headers  map[string]string
		remote   string
		expected string
	}{
		{"x-forwarded-for single", map[string]string{"X-Forwarded-For": "10.0.0.1"}, "192.168.1.1:1234", "10.0.0.1"},
		{"x-forwarded-for chain", map[string]string{"X-Forwarded-For": "10.0.0.1, 10.0.0.2"}, "192.168.1.1:1234", "10.0.0.1"},
		{"x-real-ip", map[string]string{"X-Real-IP": "10.0.0.3"}, "192.168.1.1:1234", "10.0.0.3"},
		{"remote addr", nil, "192.168.1.1:1234", "192.168.1.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.expected, getClientIP(r))
		})
	}
}
