package application

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stoik/content-inspection/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrincipalService_RoleAssignment(t *testing.T) {
	svc := NewPrincipalService(memoryStore(), []string{" Admin@Example.com ", ""})

	tests := []struct {
		name         string
		identity     Identity
		expectedRole domain.Role
	}{
		{
			name:         "Listed email becomes admin",
			identity:     Identity{ExternalID: "user_1", Email: "admin@example.com"},
			expectedRole: domain.RoleAdmin,
		},
		{
			name:         "Email match ignores case",
			identity:     Identity{ExternalID: "user_2", Email: "ADMIN@example.COM"},
			expectedRole: domain.RoleAdmin,
		},
		{
			name:         "Other email is a user",
			identity:     Identity{ExternalID: "user_3", Email: "someone@example.com"},
			expectedRole: domain.RoleUser,
		},
		{
			name:         "Missing email is a user",
			identity:     Identity{ExternalID: "user_4"},
			expectedRole: domain.RoleUser,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := svc.SyncFromToken(context.Background(), tt.identity)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedRole, p.Role)
			assert.Equal(t, PrincipalActive, p.Status)
			assert.NotNil(t, p.LastLoginAt)
		})
	}
}

func TestPrincipalService_RoleIsOnlyAssignedOnCreation(t *testing.T) {
	store := memoryStore()
	ctx := context.Background()

	first, err := NewPrincipalService(store, nil).SyncFromToken(ctx, Identity{ExternalID: "user_9", Email: "x@example.com"})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleUser, first.Role)

	// later promotion of the email does not rewrite the stored role
	again, err := NewPrincipalService(store, []string{"x@example.com"}).SyncFromToken(ctx, Identity{ExternalID: "user_9", Email: "x@example.com"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, domain.RoleUser, again.Role)
}

func TestPrincipalService_WebhookKeepsLastLogin(t *testing.T) {
	store := memoryStore()
	svc := NewPrincipalService(store, nil)
	ctx := context.Background()

	p, err := svc.SyncFromToken(ctx, Identity{ExternalID: "user_5", Email: "a@example.com"})
	require.NoError(t, err)
	login := *p.LastLoginAt

	updated, err := svc.SyncFromWebhook(ctx, Identity{ExternalID: "user_5", Email: "a@example.com", Name: "Ana Lima"})
	require.NoError(t, err)
	assert.Equal(t, "Ana Lima", updated.Name)
	require.NotNil(t, updated.LastLoginAt)
	assert.True(t, login.Equal(*updated.LastLoginAt))
}

func TestPrincipalService_ConcurrentFirstLogin(t *testing.T) {
	svc := NewPrincipalService(memoryStore(), nil)

	const callers = 16
	ids := make([]uuid.UUID, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := svc.SyncFromToken(context.Background(), Identity{ExternalID: "user_new", Email: "new@example.com"})
			if assert.NoError(t, err) {
				ids[i] = p.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestPrincipalService_RequiresSubject(t *testing.T) {
	_, err := NewPrincipalService(memoryStore(), nil).SyncFromToken(context.Background(), Identity{Email: "a@example.com"})
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestPrincipalService_SetStatus(t *testing.T) {
	store := memoryStore()
	svc := NewPrincipalService(store, []string{"root@example.com"})
	ctx := context.Background()

	root, err := svc.SyncFromToken(ctx, Identity{ExternalID: "user_root", Email: "root@example.com"})
	require.NoError(t, err)
	user, err := svc.SyncFromToken(ctx, Identity{ExternalID: "user_plain", Email: "plain@example.com"})
	require.NoError(t, err)

	tests := []struct {
		name           string
		actor          domain.Principal
		target         string
		status         string
		expectedErr    error
		expectedStatus string
	}{
		{name: "Non-admin is forbidden", actor: *user, target: "user_root", status: PrincipalDisabled, expectedErr: domain.ErrForbidden},
		{name: "Unknown principal", actor: *root, target: "user_ghost", status: PrincipalDisabled, expectedErr: domain.ErrNotFound},
		{name: "Admin disables user", actor: *root, target: "user_plain", status: PrincipalDisabled, expectedStatus: PrincipalDisabled},
		{name: "Admin re-enables user", actor: *root, target: "user_plain", status: PrincipalActive, expectedStatus: PrincipalActive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := svc.SetStatus(ctx, tt.actor, tt.target, tt.status)
			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectedStatus, p.Status)
		})
	}

	t.Run("Invalid status and self-disable are rejected", func(t *testing.T) {
		var verr *domain.ValidationError
		_, err := svc.SetStatus(ctx, *root, "user_plain", "banned")
		assert.ErrorAs(t, err, &verr)
		_, err = svc.SetStatus(ctx, *root, "user_root", PrincipalDisabled)
		assert.ErrorAs(t, err, &verr)
	})
}
