package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stoik/content-inspection/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testWebhookSecret = "whsec_" + base64.StdEncoding.EncodeToString([]byte("webhook-signing-key"))

const userCreated = `{
	"type": "user.created",
	"data": {
		"id": "user_2abc",
		"first_name": "Ana",
		"last_name": "Lima",
		"image_url": "https://img.example.com/ana.png",
		"email_addresses": [{"email_address": "Ana@Example.com"}]
	}
}`

func webhookRequest(t *testing.T, v *WebhookVerifier, id string, ts time.Time, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/identity", bytes.NewReader([]byte(body)))
	req.Header.Set("svix-id", id)
	req.Header.Set("svix-timestamp", strconv.FormatInt(ts.Unix(), 10))
	sig, err := v.Sign(id, ts, []byte(body))
	require.NoError(t, err)
	req.Header.Set("svix-signature", sig)
	return req
}

func TestWebhookVerifier(t *testing.T) {
	v, err := NewWebhookVerifier(testWebhookSecret)
	require.NoError(t, err)
	now := time.Now()
	body := []byte(userCreated)

	headers := func(id string, ts time.Time, sig string) http.Header {
		h := http.Header{}
		h.Set("svix-id", id)
		h.Set("svix-timestamp", strconv.FormatInt(ts.Unix(), 10))
		h.Set("svix-signature", sig)
		return h
	}
	sign := func(id string, ts time.Time) string {
		sig, err := v.Sign(id, ts, body)
		require.NoError(t, err)
		return sig
	}
	valid := sign("msg_1", now)
	stale := now.Add(-10 * time.Minute)
	future := now.Add(10 * time.Minute)

	tests := []struct {
		name      string
		header    http.Header
		body      []byte
		expectErr bool
	}{
		{name: "Valid signature", header: headers("msg_1", now, valid), body: body},
		{name: "Rotated keys list", header: headers("msg_1", now, "v1,bm90LWl0 "+valid), body: body},
		{name: "Tampered body", header: headers("msg_1", now, valid), body: append(append([]byte(nil), body...), ' '), expectErr: true},
		{name: "Different message id", header: headers("msg_2", now, valid), body: body, expectErr: true},
		{name: "Stale timestamp", header: headers("msg_1", stale, sign("msg_1", stale)), body: body, expectErr: true},
		{name: "Future timestamp", header: headers("msg_1", future, sign("msg_1", future)), body: body, expectErr: true},
		{name: "Unknown version", header: headers("msg_1", now, "v2"+valid[2:]), body: body, expectErr: true},
		{name: "Missing headers", header: http.Header{}, body: body, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(tt.header, tt.body)
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestNewWebhookVerifier_RejectsBadSecret(t *testing.T) {
	_, err := NewWebhookVerifier("")
	assert.Error(t, err)
	_, err = NewWebhookVerifier("whsec_!!!not-base64")
	assert.Error(t, err)
}

func TestIdentityWebhook(t *testing.T) {
	env := newTestEnv(t, Options{})
	v, err := NewWebhookVerifier(testWebhookSecret)
	require.NoError(t, err)
	env.server.webhooks = v
	handler := env.server.Routes()
	now := time.Now()

	t.Run("User created is upserted", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, webhookRequest(t, v, "msg_1", now, userCreated))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		p, err := env.store.GetPrincipalByExternalID(context.Background(), "user_2abc")
		require.NoError(t, err)
		assert.Equal(t, "ana@example.com", p.Email)
		assert.Equal(t, "Ana Lima", p.Name)
		assert.Equal(t, "https://img.example.com/ana.png", p.ImageURL)
		assert.Equal(t, domain.RoleUser, p.Role)
		assert.Nil(t, p.LastLoginAt)
	})

	t.Run("Other event types are acknowledged", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, webhookRequest(t, v, "msg_2", now, `{"type":"session.created","data":{"id":"sess_1"}}`))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	})

	t.Run("Bad signature is rejected", func(t *testing.T) {
		req := webhookRequest(t, v, "msg_3", now, userCreated)
		req.Header.Set("svix-signature", "v1,"+base64.StdEncoding.EncodeToString([]byte("forged")))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Missing subject is a validation error", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, webhookRequest(t, v, "msg_4", now, `{"type":"user.updated","data":{}}`))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestIdentityWebhook_NotConfigured(t *testing.T) {
	env := newTestEnv(t, Options{})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/identity", bytes.NewReader([]byte(userCreated)))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
