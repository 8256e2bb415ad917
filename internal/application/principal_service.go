package application

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stoik/content-inspection/internal/domain"
	"github.com/stoik/content-inspection/internal/logging"
	"github.com/stoik/content-inspection/internal/ports"
)

const (
	PrincipalActive   = "active"
	PrincipalDisabled = "disabled"
)

// Identity is what the identity provider asserts about a caller
type Identity struct {
	ExternalID string
	Email      string
	Name       string
	ImageURL   string
}

// PrincipalService keeps principals in sync with the identity provider.
// Both entry points go through a single atomic upsert, so concurrent first
// requests from a new user cannot create two principals.
type PrincipalService struct {
	store       ports.PrincipalStore
	adminEmails map[string]struct{}
	now         func() time.Time
}

// NewPrincipalService creates a principal service. Principals whose email is
// listed in adminEmails are created with the admin role.
func NewPrincipalService(store ports.PrincipalStore, adminEmails []string) *PrincipalService {
	admins := make(map[string]struct{}, len(adminEmails))
	for _, e := range adminEmails {
		if e = normalizeEmail(e); e != "" {
			admins[e] = struct{}{}
		}
	}
	return &PrincipalService{store: store, adminEmails: admins, now: time.Now}
}

// SyncFromToken upserts the principal behind a verified bearer token and
// records the login
func (s *PrincipalService) SyncFromToken(ctx context.Context, id Identity) (*domain.Principal, error) {
	now := s.now().UTC()
	return s.upsert(ctx, id, &now)
}

// SyncFromWebhook upserts a principal pushed by the identity provider
func (s *PrincipalService) SyncFromWebhook(ctx context.Context, id Identity) (*domain.Principal, error) {
	return s.upsert(ctx, id, nil)
}

// SetStatus enables or disables a principal. Only admins may call it and an
// admin cannot disable themselves.
func (s *PrincipalService) SetStatus(ctx context.Context, actor domain.Principal, externalID, status string) (*domain.Principal, error) {
	if !actor.IsAdmin() {
		return nil, domain.ErrForbidden
	}
	if status != PrincipalActive && status != PrincipalDisabled {
		return nil, domain.NewValidationError("status", "must be active or disabled")
	}
	if externalID == actor.ExternalID && status == PrincipalDisabled {
		return nil, domain.NewValidationError("id", "cannot disable yourself")
	}

	p, err := s.store.SetPrincipalStatus(ctx, externalID, status, s.now().UTC())
	if errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, domain.NewStoreError("set_principal_status", err)
	}

	logging.Ctx(ctx).Info().
		Str("principal_id", p.ID.String()).
		Str("actor_id", actor.ID.String()).
		Str("status", status).
		Msg("principal status changed")
	return p, nil
}

func (s *PrincipalService) upsert(ctx context.Context, id Identity, loginAt *time.Time) (*domain.Principal, error) {
	if strings.TrimSpace(id.ExternalID) == "" {
		return nil, domain.NewValidationError("sub", "is required")
	}

	now := s.now().UTC()
	email := normalizeEmail(id.Email)
	role := domain.RoleUser
	if _, ok := s.adminEmails[email]; ok && email != "" {
		role = domain.RoleAdmin
	}

	p, err := s.store.UpsertPrincipal(ctx, domain.Principal{
		ID:          uuid.New(),
		ExternalID:  strings.TrimSpace(id.ExternalID),
		Email:       email,
		Name:        strings.TrimSpace(id.Name),
		ImageURL:    id.ImageURL,
		Role:        role,
		Status:      PrincipalActive,
		LastLoginAt: loginAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return nil, domain.NewStoreError("upsert_principal", err)
	}

	logging.Ctx(ctx).Debug().
		Str("principal_id", p.ID.String()).
		Str("role", string(p.Role)).
		Msg("principal synced")
	return p, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
