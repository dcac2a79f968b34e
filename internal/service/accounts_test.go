package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/ecokoin/internal/events"
	"github.com/mmeshcher/ecokoin/internal/model"
	"github.com/mmeshcher/ecokoin/internal/ratelimit"
	"github.com/mmeshcher/ecokoin/internal/repository"
)

func (f *fixture) register(t *testing.T, in RegisterInput) *model.User {
	t.Helper()
	u, err := f.svc.RegisterUser(context.Background(), in)
	require.NoError(t, err)
	return u
}

func TestUpdateProfile(t *testing.T) {
	tests := []struct {
		name    string
		userID  string
		in      model.Profile
		wantErr error
	}{
		{
			name:   "trims and saves",
			userID: "u-1",
			in:     model.Profile{FullName: "  Alice Wijaya ", Phone: "081234", Address: "Jl. Merdeka 1"},
		},
		{
			name:    "empty name",
			userID:  "u-1",
			in:      model.Profile{FullName: "   ", Phone: "081234"},
			wantErr: ErrInvalidInput,
		},
		{
			name:    "unknown user",
			userID:  "ghost",
			in:      model.Profile{FullName: "Ghost"},
			wantErr: repository.ErrUserNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			u, err := f.svc.UpdateProfile(context.Background(), tt.userID, tt.in)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "Alice Wijaya", u.FullName)
			assert.Equal(t, "081234", u.Phone)
			assert.Equal(t, "Jl. Merdeka 1", u.Address)
			assert.Equal(t, "ALICE", u.Username, "username is not editable")
		})
	}
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.register(t, RegisterInput{Username: "carol", Password: "secret1", FullName: "Carol"})

	assert.ErrorIs(t, f.svc.ChangePassword(ctx, u.ID, "wrong", "newsecret"), ErrInvalidCredentials)
	assert.ErrorIs(t, f.svc.ChangePassword(ctx, u.ID, "secret1", "short"), ErrInvalidInput)
	assert.ErrorIs(t, f.svc.ChangePassword(ctx, "ghost", "secret1", "newsecret"), repository.ErrUserNotFound)

	require.NoError(t, f.svc.ChangePassword(ctx, u.ID, "secret1", "newsecret"))

	_, err := f.svc.AuthenticateUser(ctx, "carol", "secret1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.svc.AuthenticateUser(ctx, "carol", "newsecret")
	assert.NoError(t, err)
}

func (f *fixture) lastResetCode(t *testing.T) string {
	t.Helper()
	require.NotEmpty(t, f.publisher.bodies)
	ev, ok := f.publisher.bodies[len(f.publisher.bodies)-1].(events.PasswordResetRequested)
	require.True(t, ok)
	return ev.Code
}

func TestPasswordReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.register(t, RegisterInput{Username: "carol", Password: "secret1", FullName: "Carol", Email: "carol@example.com"})

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "nobody@example.com"))
	assert.Empty(t, f.publisher.keys, "unknown email is silently ignored")

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "Carol@Example.com"))
	require.Equal(t, []string{events.KeyPasswordReset}, f.publisher.keys)
	code := f.lastResetCode(t)
	assert.Len(t, code, resetCodeDigits)

	ev := f.publisher.bodies[0].(events.PasswordResetRequested)
	assert.Equal(t, u.ID, ev.UserID)
	assert.Equal(t, "carol@example.com", ev.Email)
	assert.Equal(t, f.clock.now.Add(resetCodeTTL), ev.ExpiresAt)

	wrong := "999999"
	if code == wrong {
		wrong = "000000"
	}
	assert.ErrorIs(t, f.svc.ResetPassword(ctx, "carol@example.com", wrong, "newsecret"), ErrInvalidResetCode)
	assert.ErrorIs(t, f.svc.ResetPassword(ctx, "other@example.com", code, "newsecret"), ErrInvalidResetCode)
	assert.ErrorIs(t, f.svc.ResetPassword(ctx, "carol@example.com", code, "short"), ErrInvalidInput)

	require.NoError(t, f.svc.ResetPassword(ctx, "carol@example.com", code, "newsecret"))
	assert.ErrorIs(t, f.svc.ResetPassword(ctx, "carol@example.com", code, "another1"), ErrInvalidResetCode,
		"reset codes are single use")

	_, err := f.svc.AuthenticateUser(ctx, "carol", "newsecret")
	assert.NoError(t, err)
}

func TestPasswordReset_Expired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, RegisterInput{Username: "carol", Password: "secret1", FullName: "Carol", Email: "carol@example.com"})

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "carol@example.com"))
	code := f.lastResetCode(t)

	f.clock.now = f.clock.now.Add(resetCodeTTL)
	assert.ErrorIs(t, f.svc.ResetPassword(ctx, "carol@example.com", code, "newsecret"), ErrInvalidResetCode)

	_, err := f.svc.AuthenticateUser(ctx, "carol", "secret1")
	assert.NoError(t, err, "password is unchanged")
}

func TestRequestPasswordReset_RateLimited(t *testing.T) {
	f := newFixture(t)
	f.svc.limiter = ratelimit.NewMemoryLimiter()
	f.svc.resetRule = ratelimit.Rule{Limit: 1, Window: time.Hour}
	ctx := context.Background()

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "nobody@example.com"))
	assert.ErrorIs(t, f.svc.RequestPasswordReset(ctx, "NOBODY@example.com"), ErrRateLimited)
}

func TestSearchDepositors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.repo.UpdateProfile(ctx, "u-2", model.Profile{FullName: "Bob", Phone: "0877111"})
	require.NoError(t, err)

	found, err := f.svc.SearchDepositors(ctx, "op-1", "ali")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "u-1", found[0].ID)

	found, err = f.svc.SearchDepositors(ctx, "op-1", "0877")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "u-2", found[0].ID)

	found, err = f.svc.SearchDepositors(ctx, "op-1", "operator")
	require.NoError(t, err)
	assert.Empty(t, found, "operators are not depositors")

	_, err = f.svc.SearchDepositors(ctx, "op-1", "  ")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.SearchDepositors(ctx, "op-2", "ali")
	assert.ErrorIs(t, err, ErrOperatorInactive)

	_, err = f.svc.SearchDepositors(ctx, "u-1", "ali")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestApplyOperator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.credit(t, "u-1", 40)
	f.verifier.match, f.verifier.score = true, 91

	_, err := f.svc.ApplyOperator(ctx, "u-1", ApplyInput{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	u, err := f.svc.ApplyOperator(ctx, "u-1", ApplyInput{
		Phone:        "0811",
		TPSTLocation: "TPST Timur",
		KTPPhoto:     testPhoto(t),
		SelfiePhoto:  testPhoto(t),
	})
	require.NoError(t, err)
	assert.Equal(t, model.RoleUser, u.Role)
	assert.Equal(t, "0811", u.Phone)
	require.NotNil(t, u.Operator)
	assert.Equal(t, model.OperatorStatusPending, u.Operator.Status)
	assert.True(t, u.Operator.IdentityMatch)
	assert.Equal(t, 91, u.Operator.IdentityScore)

	_, err = f.svc.ApplyOperator(ctx, "u-1", ApplyInput{TPSTLocation: "TPST Barat"})
	assert.ErrorIs(t, err, repository.ErrApplicationExists)

	pending, err := f.svc.ListOperators(ctx, model.OperatorStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "u-1", pending[0].ID)

	require.NoError(t, f.svc.SetOperatorStatus(ctx, "admin", "u-1", model.OperatorStatusActive))

	op, err := f.svc.GetUser(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, model.RoleOperator, op.Role)
	assert.True(t, op.IsActiveOperator())
	assert.Equal(t, int64(40), op.Coins)

	_, err = f.svc.ApplyOperator(ctx, "op-1", ApplyInput{TPSTLocation: "TPST Pusat"})
	assert.ErrorIs(t, err, ErrForbidden)
}
