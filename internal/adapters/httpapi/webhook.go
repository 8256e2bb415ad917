package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/stoik/content-inspection/internal/application"
	"github.com/stoik/content-inspection/internal/logging"
	svix "github.com/svix/svix-webhooks/go"
)

const maxWebhookBodySize = 1 << 20

var errInvalidWebhook = errors.New("invalid webhook")

// WebhookVerifier checks identity provider deliveries signed with svix
type WebhookVerifier struct {
	wh *svix.Webhook
}

// NewWebhookVerifier decodes secret, which may carry the "whsec_" prefix
func NewWebhookVerifier(secret string) (*WebhookVerifier, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is empty")
	}
	wh, err := svix.NewWebhook(secret)
	if err != nil {
		return nil, fmt.Errorf("decode webhook secret: %w", err)
	}
	return &WebhookVerifier{wh: wh}, nil
}

// Sign returns the svix-signature header value for a message
func (v *WebhookVerifier) Sign(id string, ts time.Time, body []byte) (string, error) {
	return v.wh.Sign(id, ts, body)
}

// Verify checks the svix-id, svix-timestamp and svix-signature headers of a
// delivery against its body. Timestamps more than five minutes away are rejected.
func (v *WebhookVerifier) Verify(h http.Header, body []byte) error {
	return v.wh.Verify(body, h)
}

type identityEvent struct {
	Type string `json:"type"`
	Data struct {
		ID             string `json:"id"`
		FirstName      string `json:"first_name"`
		LastName       string `json:"last_name"`
		ImageURL       string `json:"image_url"`
		EmailAddresses []struct {
			EmailAddress string `json:"email_address"`
		} `json:"email_addresses"`
	} `json:"data"`
}

func (e identityEvent) identity() application.Identity {
	id := application.Identity{
		ExternalID: e.Data.ID,
		Name:       strings.TrimSpace(e.Data.FirstName + " " + e.Data.LastName),
		ImageURL:   e.Data.ImageURL,
	}
	if len(e.Data.EmailAddresses) > 0 {
		id.Email = e.Data.EmailAddresses[0].EmailAddress
	}
	return id
}

// handleIdentityWebhook syncs principals pushed by the identity provider.
// Only user.created and user.updated change state; other events are acknowledged.
func (s *Server) handleIdentityWebhook(w http.ResponseWriter, r *http.Request) {
	if s.webhooks == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("identity webhook is not configured"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize+1))
	if err != nil || len(body) > maxWebhookBodySize {
		respondError(w, http.StatusBadRequest, errInvalidWebhook)
		return
	}

	log := logging.Ctx(r.Context())
	if err := s.webhooks.Verify(r.Header, body); err != nil {
		log.Warn().Err(err).Msg("identity webhook rejected")
		respondError(w, http.StatusBadRequest, errInvalidWebhook)
		return
	}

	var event identityEvent
	if err := json.Unmarshal(body, &event); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidWebhook)
		return
	}

	switch event.Type {
	case "user.created", "user.updated":
		p, err := s.principals.SyncFromWebhook(r.Context(), event.identity())
		if err != nil {
			respondServiceError(w, r, err)
			return
		}
		log.Info().Str("event", event.Type).Str("principal_id", p.ID.String()).Msg("principal synced from webhook")
	default:
		log.Debug().Str("event", event.Type).Msg("identity webhook ignored")
	}

	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
