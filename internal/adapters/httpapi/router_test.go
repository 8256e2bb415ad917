package httpapi

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stoik/content-inspection/internal/adapters/storage"
	"github.com/stoik/content-inspection/internal/application"
	"github.com/stoik/content-inspection/internal/domain"
	"github.com/stoik/content-inspection/internal/domain/detection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef"

type testEnv struct {
	handler http.Handler
	store   *storage.MemoryStore
	server  *Server
}

func newTestEnv(t *testing.T, opts Options, dets ...detection.Detector) *testEnv {
	t.Helper()
	if len(dets) == 0 {
		dets = []detection.Detector{
			detection.NewStaticDetector("signature", detection.Completed(domain.ClassClean, "no match", nil)),
		}
	}

	store := storage.NewMemoryStore(storage.Options{DedupWindow: time.Hour})
	agg, err := detection.NewAggregator(detection.PolicyMaxSeverityV1)
	require.NoError(t, err)
	pipeline := application.NewPipeline(dets, application.PipelineConfig{
		Workers:         2,
		DetectorTimeout: 200 * time.Millisecond,
		Timeout:         time.Second,
	})

	srv, err := NewServer(
		application.NewInspectionService(store, pipeline, agg),
		application.NewPrincipalService(store, []string{"admin@example.com"}),
		NewTokenVerifier(testJWTSecret, "", ""),
		nil,
		opts,
	)
	require.NoError(t, err)
	return &testEnv{handler: srv.Routes(), store: store, server: srv}
}

func signToken(t *testing.T, secret, sub, email string, expiresIn time.Duration) string {
	t.Helper()
	claims := tokenClaims{
		Email: email,
		Name:  "Test User",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return raw
}

func (e *testEnv) do(t *testing.T, method, path, token string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) uploadFile(t *testing.T, token, name string, content []byte, rescan bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	if rescan {
		require.NoError(t, mw.WriteField("rescan", "true"))
	}
	require.NoError(t, mw.Close())
	return e.do(t, http.MethodPost, "/v1/scans/file", token, buf.Bytes(), mw.FormDataContentType())
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestAuthentication(t *testing.T) {
	env := newTestEnv(t, Options{})

	tests := []struct {
		name           string
		token          string
		expectedStatus int
	}{
		{
			name:           "Missing token",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Garbage token",
			token:          "not-a-jwt",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Wrong signing key",
			token:          signToken(t, "another-secret-of-enough-length", "user_1", "a@example.com", time.Hour),
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Expired token",
			token:          signToken(t, testJWTSecret, "user_1", "a@example.com", -time.Hour),
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Missing subject",
			token:          signToken(t, testJWTSecret, "", "a@example.com", time.Hour),
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Valid token",
			token:          signToken(t, testJWTSecret, "user_1", "a@example.com", time.Hour),
			expectedStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/v1/me", tt.token, nil, "")
			assert.Equal(t, tt.expectedStatus, rec.Code, rec.Body.String())
		})
	}
}

func TestAuthentication_UpsertsPrincipalOnce(t *testing.T) {
	env := newTestEnv(t, Options{})
	token := signToken(t, testJWTSecret, "user_admin", "Admin@Example.com", time.Hour)

	first := decode[domain.Principal](t, env.do(t, http.MethodGet, "/v1/me", token, nil, ""))
	second := decode[domain.Principal](t, env.do(t, http.MethodGet, "/v1/me", token, nil, ""))

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, domain.RoleAdmin, first.Role)
	assert.Equal(t, "admin@example.com", first.Email)
	assert.NotNil(t, second.LastLoginAt)
}

func TestAuthentication_DisabledPrincipal(t *testing.T) {
	env := newTestEnv(t, Options{})
	token := signToken(t, testJWTSecret, "user_1", "a@example.com", time.Hour)

	admin := signToken(t, testJWTSecret, "user_admin", "admin@example.com", time.Hour)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/v1/me", token, nil, "").Code)

	body := []byte(`{"status":"disabled"}`)
	rec := env.do(t, http.MethodPut, "/v1/admin/principals/user_1/status", token, body, "application/json")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPut, "/v1/admin/principals/user_1/status", admin, body, "application/json")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	p, err := env.store.GetPrincipalByExternalID(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Equal(t, application.PrincipalDisabled, p.Status)

	rec = env.do(t, http.MethodGet, "/v1/me", token, nil, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestScanFile(t *testing.T) {
	env := newTestEnv(t, Options{},
		detection.NewStaticDetector("signature", detection.Completed(domain.ClassMalicious, "Trojan.Agent", domain.Confidence(1))),
		detection.NewStaticDetector("heuristic", detection.Completed(domain.ClassClean, "", nil)),
	)
	token := signToken(t, testJWTSecret, "user_1", "a@example.com", time.Hour)

	rec := env.uploadFile(t, token, "dropper.exe", []byte("MZ bad bytes"), false)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[scanResponse](t, rec)
	assert.False(t, created.Deduplicated)
	assert.Equal(t, domain.ClassMalicious, created.Record.Verdict.Classification)
	assert.Equal(t, "dropper.exe", created.Record.Artifact.Name)
	assert.Equal(t, domain.HashBytes([]byte("MZ bad bytes")), created.Record.Artifact.Hash)
	assert.Len(t, created.Record.Findings, 2)

	rec = env.uploadFile(t, token, "renamed.exe", []byte("MZ bad bytes"), false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dup := decode[scanResponse](t, rec)
	assert.True(t, dup.Deduplicated)
	assert.Equal(t, created.Record.ID, dup.Record.ID)

	rec = env.uploadFile(t, token, "dropper.exe", []byte("MZ bad bytes"), true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rescanned := decode[scanResponse](t, rec)
	assert.NotEqual(t, created.Record.ID, rescanned.Record.ID)
	require.NotNil(t, rescanned.Record.Supersedes)
	assert.Equal(t, created.Record.ID, *rescanned.Record.Supersedes)
}

func TestScanFile_Validation(t *testing.T) {
	env := newTestEnv(t, Options{MaxUploadSize: 16})
	token := signToken(t, testJWTSecret, "user_1", "a@example.com", time.Hour)

	tests := []struct {
		name          string
		request       func() *httptest.ResponseRecorder
		expectedField string
	}{
		{
			name: "Empty file",
			request: func() *httptest.ResponseRecorder {
				return env.uploadFile(t, token, "empty.txt", nil, false)
			},
			expectedField: "payload",
		},
		{
			name: "Too large",
			request: func() *httptest.ResponseRecorder {
				return env.uploadFile(t, token, "big.bin", bytes.Repeat([]byte("x"), 64), false)
			},
			expectedField: "payload",
		},
		{
			name: "Not multipart",
			request: func() *httptest.ResponseRecorder {
				return env.do(t, http.MethodPost, "/v1/scans/file", token, []byte("raw"), "text/plain")
			},
			expectedField: "file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tt.request()
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			resp := decode[errorResponse](t, rec)
			assert.Contains(t, resp.Fields, tt.expectedField)
		})
	}
}

func TestScanNetwork(t *testing.T) {
	env := newTestEnv(t, Options{})
	token := signToken(t, testJWTSecret, "user_1", "a@example.com", time.Hour)

	tests := []struct {
		name           string
		body           string
		expectedStatus int
		expectedField  string
	}{
		{
			name:           "Valid record",
			body:           `{"source":"fw-01","traffic":{"dst_port":443,"bytes_out":1200}}`,
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "Same record with reordered keys is deduplicated",
			body:           `{"traffic":{"bytes_out":1200,"dst_port":443},"source":"fw-02"}`,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "Empty traffic",
			body:           `{"traffic":{}}`,
			expectedStatus: http.StatusBadRequest,
			expectedField:  "traffic",
		},
		{
			name:           "Unknown field",
			body:           `{"traffic":{"a":1},"priority":"high"}`,
			expectedStatus: http.StatusBadRequest,
			expectedField:  "body",
		},
		{
			name:           "Empty body",
			body:           ``,
			expectedStatus: http.StatusBadRequest,
			expectedField:  "body",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/v1/scans/network", token, []byte(tt.body), "application/json")
			require.Equal(t, tt.expectedStatus, rec.Code, rec.Body.String())
			if tt.expectedField != "" {
				assert.Contains(t, decode[errorResponse](t, rec).Fields, tt.expectedField)
			}
		})
	}
}

func TestRecords_Authorization(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := signToken(t, testJWTSecret, "user_alice", "alice@example.com", time.Hour)
	bob := signToken(t, testJWTSecret, "user_bob", "bob@example.com", time.Hour)
	admin := signToken(t, testJWTSecret, "user_admin", "admin@example.com", time.Hour)

	rec := env.uploadFile(t, alice, "report.pdf", []byte("%PDF-1.7"), false)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[scanResponse](t, rec).Record.ID.String()

	tests := []struct {
		name           string
		token          string
		path           string
		expectedStatus int
		expectedCount  int
	}{
		{name: "Owner reads record", token: alice, path: "/v1/records/" + id, expectedStatus: http.StatusOK},
		{name: "Other user cannot see record", token: bob, path: "/v1/records/" + id, expectedStatus: http.StatusNotFound},
		{name: "Admin reads any record", token: admin, path: "/v1/records/" + id, expectedStatus: http.StatusOK},
		{name: "Malformed id", token: alice, path: "/v1/records/nope", expectedStatus: http.StatusBadRequest},
		{name: "Owner lists own records", token: alice, path: "/v1/records", expectedStatus: http.StatusOK, expectedCount: 1},
		{name: "Other user lists nothing", token: bob, path: "/v1/records", expectedStatus: http.StatusOK, expectedCount: 0},
		{name: "Negative limit", token: alice, path: "/v1/records?limit=-1", expectedStatus: http.StatusBadRequest},
		{name: "Non-admin cannot list all", token: bob, path: "/v1/admin/records", expectedStatus: http.StatusForbidden},
		{name: "Admin lists all", token: admin, path: "/v1/admin/records", expectedStatus: http.StatusOK, expectedCount: 1},
		{name: "Owner verifies record", token: alice, path: "/v1/records/" + id + "/verify", expectedStatus: http.StatusOK},
		{name: "Other user cannot verify", token: bob, path: "/v1/records/" + id + "/verify", expectedStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, tt.path, tt.token, nil, "")
			require.Equal(t, tt.expectedStatus, rec.Code, rec.Body.String())
			if tt.expectedStatus == http.StatusOK && strings.HasSuffix(tt.path, "records") {
				assert.Len(t, decode[listResponse](t, rec).Records, tt.expectedCount)
			}
		})
	}
}

func TestVerifyEndpoint(t *testing.T) {
	env := newTestEnv(t, Options{})
	token := signToken(t, testJWTSecret, "user_1", "a@example.com", time.Hour)

	rec := env.uploadFile(t, token, "a.txt", []byte("hello"), false)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[scanResponse](t, rec).Record.ID

	rec = env.do(t, http.MethodGet, "/v1/records/"+id.String()+"/verify", token, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	v := decode[application.Verification](t, rec)
	assert.True(t, v.Reproducible, v.Diff)
	assert.Equal(t, id, v.RecordID)
}

func TestScanRateLimit(t *testing.T) {
	env := newTestEnv(t, Options{RateLimit: 1})
	token := signToken(t, testJWTSecret, "user_1", "a@example.com", time.Hour)

	assert.Equal(t, http.StatusCreated, env.uploadFile(t, token, "a.txt", []byte("one"), false).Code)
	assert.Equal(t, http.StatusTooManyRequests, env.uploadFile(t, token, "b.txt", []byte("two"), false).Code)

	// queries are not rate limited
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/v1/records", token, nil, "").Code)
}

func TestOperationalEndpoints(t *testing.T) {
	env := newTestEnv(t, Options{})

	tests := []struct {
		path           string
		expectedStatus int
	}{
		{path: "/healthz", expectedStatus: http.StatusOK},
		{path: "/readyz", expectedStatus: http.StatusOK},
		{path: "/metrics", expectedStatus: http.StatusOK},
		{path: "/v1/unknown", expectedStatus: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.expectedStatus, env.do(t, http.MethodGet, tt.path, "", nil, "").Code)
		})
	}
}
