package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/ecokoin/internal/events"
	"github.com/mmeshcher/ecokoin/internal/imaging"
	"github.com/mmeshcher/ecokoin/internal/metrics"
	"github.com/mmeshcher/ecokoin/internal/model"
	"github.com/mmeshcher/ecokoin/internal/ratelimit"
	"github.com/mmeshcher/ecokoin/internal/repository"
	"github.com/mmeshcher/ecokoin/internal/voucher"
)

type stubVerifier struct {
	enabled    bool
	selfieOK   bool
	selfieErr  error
	weight     decimal.Decimal
	weightErr  error
	match      bool
	score      int
	selfieCall int
}

func (v *stubVerifier) Enabled() bool { return v.enabled }

func (v *stubVerifier) VerifySelfie(ctx context.Context, photo *imaging.Photo) (bool, error) {
	v.selfieCall++
	return v.selfieOK, v.selfieErr
}

func (v *stubVerifier) ExtractWeight(ctx context.Context, photo *imaging.Photo) (decimal.Decimal, error) {
	return v.weight, v.weightErr
}

func (v *stubVerifier) MatchIdentity(ctx context.Context, ktp, selfie *imaging.Photo) (bool, int, error) {
	return v.match, v.score, nil
}

type stubPublisher struct {
	mu     sync.Mutex
	keys   []string
	bodies []any
	err    error
}

func (p *stubPublisher) Publish(ctx context.Context, routingKey string, body any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, routingKey)
	p.bodies = append(p.bodies, body)
	return p.err
}

func (p *stubPublisher) Close() error { return nil }

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func testPhoto(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		for y := 0; y < 8; y++ {
			img.Set(x, y, color.RGBA{200, 200, 200, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

type fixture struct {
	svc       *Service
	repo      *repository.MemoryRepository
	clock     *clock
	verifier  *stubVerifier
	publisher *stubPublisher
	signer    *voucher.Signer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		repo:      repository.NewMemoryRepository(),
		clock:     &clock{now: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)},
		verifier:  &stubVerifier{enabled: true, selfieOK: true},
		publisher: &stubPublisher{},
		signer:    voucher.NewSigner("test-secret"),
	}
	f.svc = NewService(Deps{
		Repo:      f.repo,
		Verifier:  f.verifier,
		Publisher: f.publisher,
		Signer:    f.signer,
		Logger:    zap.NewNop(),
		Now:       f.clock.Now,
	})

	ctx := context.Background()
	require.NoError(t, f.repo.CreateUser(ctx, &model.User{
		ID: "op-1", Username: "operator", FullName: "Operator", Role: model.RoleOperator,
		Operator: &model.OperatorDetails{Status: model.OperatorStatusActive, TPSTLocation: "TPST Pusat"},
	}))
	require.NoError(t, f.repo.CreateUser(ctx, &model.User{
		ID: "op-2", Username: "suspended", Role: model.RoleOperator,
		Operator: &model.OperatorDetails{Status: model.OperatorStatusSuspended},
	}))
	require.NoError(t, f.repo.CreateUser(ctx, &model.User{ID: "u-1", Username: "alice", FullName: "Alice", Role: model.RoleUser}))
	require.NoError(t, f.repo.CreateUser(ctx, &model.User{ID: "u-2", Username: "bob", FullName: "Bob", Role: model.RoleUser}))
	require.NoError(t, f.repo.CreateProduct(ctx, &model.Product{ID: "p-1", Name: "Beras", PriceInCoins: 80, Stock: 3}))

	return f
}

func (f *fixture) credit(t *testing.T, userID string, coins int64) {
	t.Helper()
	_, err := f.svc.Credit(context.Background(), "admin", userID, coins, "test")
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, userID string) int64 {
	t.Helper()
	u, err := f.svc.GetUser(context.Background(), userID)
	require.NoError(t, err)
	return u.Coins
}

func (f *fixture) stock(t *testing.T, productID string) int64 {
	t.Helper()
	p, err := f.repo.GetProduct(context.Background(), productID)
	require.NoError(t, err)
	return p.Stock
}

func TestRegisterUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u, err := f.svc.RegisterUser(ctx, RegisterInput{Username: "carol", Password: "secret1", FullName: "Carol"})
	require.NoError(t, err)
	assert.Equal(t, "CAROL", u.Username)
	assert.Equal(t, model.RoleUser, u.Role)
	assert.Nil(t, u.Operator)

	_, err = f.svc.RegisterUser(ctx, RegisterInput{Username: "Carol", Password: "other12"})
	assert.ErrorIs(t, err, repository.ErrUserExists)

	_, err = f.svc.RegisterUser(ctx, RegisterInput{Username: "eve", Password: "secret1", Role: model.RoleAdmin})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRegisterOperator_PendingWithIdentityScore(t *testing.T) {
	f := newFixture(t)
	f.verifier.match = true
	f.verifier.score = 91
	ctx := context.Background()

	u, err := f.svc.RegisterUser(ctx, RegisterInput{
		Username:     "newop",
		Password:     "secret1",
		Role:         model.RoleOperator,
		TPSTLocation: "TPST Timur",
		KTPPhoto:     testPhoto(t),
		SelfiePhoto:  testPhoto(t),
	})
	require.NoError(t, err)
	require.NotNil(t, u.Operator)
	assert.Equal(t, model.OperatorStatusPending, u.Operator.Status)
	assert.True(t, u.Operator.IdentityMatch)
	assert.Equal(t, 91, u.Operator.IdentityScore)

	_, err = f.svc.AuthenticateUser(ctx, "newop", "secret1")
	assert.ErrorIs(t, err, ErrOperatorInactive)

	require.NoError(t, f.svc.SetOperatorStatus(ctx, "admin", u.ID, model.OperatorStatusActive))
	logged, err := f.svc.AuthenticateUser(ctx, "NEWOP", "secret1")
	require.NoError(t, err)
	assert.Equal(t, u.ID, logged.ID)

	_, err = f.svc.RegisterUser(ctx, RegisterInput{Username: "noloc", Password: "secret1", Role: model.RoleOperator})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAuthenticateUser_InvalidCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RegisterUser(ctx, RegisterInput{Username: "dave", Password: "correct"})
	require.NoError(t, err)

	_, err = f.svc.AuthenticateUser(ctx, "dave", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = f.svc.AuthenticateUser(ctx, "nobody", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Credit(ctx, "admin", "u-1", -1, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	balance, err := f.svc.Credit(ctx, "admin", "ghost", 10, "")
	require.NoError(t, err, "credit to unknown user is a no-op")
	assert.Zero(t, balance)

	balance, err = f.svc.AdjustCoins(ctx, "admin", "u-1", 30, "bonus")
	require.NoError(t, err)
	assert.Equal(t, int64(30), balance)

	_, err = f.svc.Debit(ctx, "admin", "u-1", 31, "")
	assert.ErrorIs(t, err, repository.ErrInsufficientBalance)
	assert.Equal(t, int64(30), f.balance(t, "u-1"))

	balance, err = f.svc.AdjustCoins(ctx, "admin", "u-1", -30, "fix")
	require.NoError(t, err)
	assert.Zero(t, balance)

	_, err = f.svc.AdjustCoins(ctx, "admin", "u-1", 0, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	drift, err := f.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, drift)
}

func TestLedger_RejectsOverflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.credit(t, "u-1", 100)

	_, err := f.svc.AdjustCoins(ctx, "admin", "u-1", math.MaxInt64, "typo")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.ErrorIs(t, err, repository.ErrBalanceOverflow)
	assert.Equal(t, int64(100), f.balance(t, "u-1"))

	balance, err := f.svc.Credit(ctx, "admin", "u-1", math.MaxInt64-100, "fill up")
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), balance)

	_, err = f.svc.Credit(ctx, "admin", "u-1", 1, "one more")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	drift, err := f.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, drift)
}

func TestRecordDeposit_RejectsOverflow(t *testing.T) {
	tests := []struct {
		name    string
		opening int64
		rate    decimal.Decimal
	}{
		{name: "balance near limit", opening: math.MaxInt64 - 5, rate: model.DefaultConversionRate},
		{name: "coins beyond int64", rate: decimal.New(1, 20)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			if tt.opening > 0 {
				f.credit(t, "u-1", tt.opening)
			}
			// курс записывается в обход UpdateSettings, как строка из старой базы
			require.NoError(t, f.repo.UpdateSettings(ctx, model.Settings{CoinConversionRate: tt.rate}))

			_, err := f.svc.RecordDeposit(ctx, DepositInput{
				OperatorID: "op-1",
				UserID:     "u-1",
				WeightKg:   decimal.NewFromInt(2),
				Photo:      testPhoto(t),
			})
			assert.ErrorIs(t, err, ErrInvalidAmount)
			assert.Equal(t, tt.opening, f.balance(t, "u-1"))
			assert.Empty(t, f.publisher.keys)

			deposits, err := f.svc.ListDepositsByUser(ctx, "u-1")
			require.NoError(t, err)
			assert.Empty(t, deposits)
		})
	}
}

func TestUpdateSettings_RateBounds(t *testing.T) {
	tests := []struct {
		rate    string
		wantErr bool
	}{
		{rate: "0.001"},
		{rate: "7.125"},
		{rate: "9999999.999"},
		{rate: "0", wantErr: true},
		{rate: "-3", wantErr: true},
		{rate: "0.0004", wantErr: true},
		{rate: "5.5555", wantErr: true},
		{rate: "10000000", wantErr: true},
		{rate: "100000000000000000000", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.rate, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			st, err := f.svc.UpdateSettings(ctx, decimal.RequireFromString(tt.rate))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidInput)
				current, err := f.svc.GetSettings(ctx)
				require.NoError(t, err)
				assert.True(t, current.CoinConversionRate.Equal(model.DefaultConversionRate))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.rate, st.CoinConversionRate.String())
		})
	}
}

func TestRecordDeposit_FloorsCoins(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.RecordDeposit(context.Background(), DepositInput{
		OperatorID: "op-1",
		UserID:     "u-1",
		WeightKg:   decimal.RequireFromString("2.4"),
		Photo:      testPhoto(t),
	})
	require.NoError(t, err)

	assert.Equal(t, int64(12), res.Deposit.CoinsEarned)
	assert.Equal(t, int64(12), res.Balance)
	assert.Equal(t, "TPST Pusat", res.Deposit.Location)
	assert.Equal(t, "Alice", res.Deposit.UserName)
	assert.Equal(t, int64(12), f.balance(t, "u-1"))
	assert.Equal(t, []string{events.KeyDepositCredited}, f.publisher.keys)
	assert.Equal(t, 1, f.verifier.selfieCall)
}

func TestRecordDeposit_UsesCurrentRate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.UpdateSettings(ctx, decimal.NewFromInt(10))
	require.NoError(t, err)

	res, err := f.svc.RecordDeposit(ctx, DepositInput{
		OperatorID: "op-1",
		UserID:     "u-1",
		WeightKg:   decimal.RequireFromString("0.3"),
		Photo:      testPhoto(t),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Deposit.CoinsEarned)
}

func TestRecordDeposit_VerificationRejected(t *testing.T) {
	tests := []struct {
		name     string
		selfieOK bool
		err      error
	}{
		{name: "oracle says no", selfieOK: false},
		{name: "oracle unavailable", selfieOK: true, err: errors.New("timeout")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.verifier.selfieOK = tt.selfieOK
			f.verifier.selfieErr = tt.err

			_, err := f.svc.RecordDeposit(context.Background(), DepositInput{
				OperatorID: "op-1",
				UserID:     "u-1",
				WeightKg:   decimal.NewFromInt(5),
				Photo:      testPhoto(t),
			})
			assert.ErrorIs(t, err, ErrVerificationFailed)
			assert.Zero(t, f.balance(t, "u-1"))
			assert.Empty(t, f.publisher.keys)
		})
	}
}

func TestRecordDeposit_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		in      DepositInput
		wantErr error
	}{
		{
			name:    "suspended operator",
			in:      DepositInput{OperatorID: "op-2", UserID: "u-1", WeightKg: decimal.NewFromInt(1)},
			wantErr: ErrOperatorInactive,
		},
		{
			name:    "user acting as operator",
			in:      DepositInput{OperatorID: "u-2", UserID: "u-1", WeightKg: decimal.NewFromInt(1)},
			wantErr: ErrForbidden,
		},
		{
			name:    "unknown depositor",
			in:      DepositInput{OperatorID: "op-1", UserID: "ghost", WeightKg: decimal.NewFromInt(1)},
			wantErr: repository.ErrUserNotFound,
		},
		{
			name:    "zero weight",
			in:      DepositInput{OperatorID: "op-1", UserID: "u-1"},
			wantErr: ErrInvalidWeight,
		},
		{
			name:    "negative weight",
			in:      DepositInput{OperatorID: "op-1", UserID: "u-1", WeightKg: decimal.NewFromInt(-2)},
			wantErr: ErrInvalidWeight,
		},
		{
			name:    "missing photo",
			in:      DepositInput{OperatorID: "op-1", UserID: "u-1", WeightKg: decimal.NewFromInt(1)},
			wantErr: ErrInvalidPhoto,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.RecordDeposit(context.Background(), tt.in)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRecordDeposit_WeightFromScalePhoto(t *testing.T) {
	f := newFixture(t)
	f.verifier.weight = decimal.RequireFromString("3.25")

	res, err := f.svc.RecordDeposit(context.Background(), DepositInput{
		OperatorID: "op-1",
		UserID:     "u-1",
		ScalePhoto: testPhoto(t),
		Photo:      testPhoto(t),
	})
	require.NoError(t, err)
	assert.Equal(t, "3.25", res.Deposit.WeightKg.String())
	assert.Equal(t, int64(16), res.Deposit.CoinsEarned)
}

func TestRecordDeposit_WeightPrecision(t *testing.T) {
	tests := []struct {
		name       string
		weight     string
		scale      string
		wantErr    error
		wantWeight string
		wantCoins  int64
	}{
		{name: "grams accepted", weight: "2.999", wantWeight: "2.999", wantCoins: 14},
		{name: "trailing zeros accepted", weight: "2.500", wantWeight: "2.5", wantCoins: 12},
		{name: "sub-gram manual weight rejected", weight: "2.9996", wantErr: ErrInvalidWeight},
		{name: "sub-gram scale reading truncated", scale: "2.9996", wantWeight: "2.999", wantCoins: 14},
		{name: "scale reading below one gram", scale: "0.0004", wantErr: ErrInvalidWeight},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			in := DepositInput{OperatorID: "op-1", UserID: "u-1", Photo: testPhoto(t)}
			if tt.weight != "" {
				in.WeightKg = decimal.RequireFromString(tt.weight)
			}
			if tt.scale != "" {
				f.verifier.weight = decimal.RequireFromString(tt.scale)
				in.ScalePhoto = testPhoto(t)
			}

			res, err := f.svc.RecordDeposit(context.Background(), in)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Zero(t, f.balance(t, "u-1"))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantWeight, res.Deposit.WeightKg.String())
			assert.Equal(t, tt.wantCoins, res.Deposit.CoinsEarned)
		})
	}
}

func TestRecordDeposit_VerificationDisabled(t *testing.T) {
	f := newFixture(t)
	f.verifier.enabled = false

	res, err := f.svc.RecordDeposit(context.Background(), DepositInput{
		OperatorID: "op-1",
		UserID:     "u-1",
		WeightKg:   decimal.NewFromInt(2),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Balance)
	assert.Zero(t, f.verifier.selfieCall)
}

func TestRecordDeposit_PublishFailureDoesNotFail(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = errors.New("broker down")

	res, err := f.svc.RecordDeposit(context.Background(), DepositInput{
		OperatorID: "op-1",
		UserID:     "u-1",
		WeightKg:   decimal.NewFromInt(1),
		Photo:      testPhoto(t),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Balance)
}

func TestRedemption_ConfirmWithinWindow(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "u-1", 100)
	ctx := context.Background()

	r, err := f.svc.CreateRedemption(ctx, "u-1", "p-1")
	require.NoError(t, err)
	assert.Equal(t, model.RedemptionStatusPending, r.Status)
	assert.Equal(t, f.clock.now.Add(model.VoucherTTL), r.ExpiresAt)
	assert.Equal(t, int64(100), f.balance(t, "u-1"))
	assert.Equal(t, int64(3), f.stock(t, "p-1"))

	f.clock.now = f.clock.now.Add(2 * time.Minute)
	receipt, err := f.svc.ConfirmByScanCode(ctx, "op-1", r.ScanCode)
	require.NoError(t, err)

	assert.Equal(t, r.ID, receipt.RedemptionID)
	assert.Equal(t, int64(20), receipt.BalanceAfter)
	assert.Equal(t, int64(20), f.balance(t, "u-1"))
	assert.Equal(t, int64(2), f.stock(t, "p-1"))
	assert.Contains(t, f.publisher.keys, events.KeyRedemptionCompleted)

	_, err = f.svc.ConfirmRedemption(ctx, "op-1", r.ID)
	assert.ErrorIs(t, err, repository.ErrNotPending)
	assert.Equal(t, int64(20), f.balance(t, "u-1"))
}

func TestRedemption_ExpiredNeverConfirmable(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "u-1", 100)
	ctx := context.Background()

	r, err := f.svc.CreateRedemption(ctx, "u-1", "p-1")
	require.NoError(t, err)

	f.clock.now = f.clock.now.Add(model.VoucherTTL + time.Second)

	_, err = f.svc.ConfirmRedemption(ctx, "op-1", r.ID)
	assert.ErrorIs(t, err, repository.ErrVoucherExpired)

	_, err = f.svc.ConfirmByScanCode(ctx, "op-1", r.ScanCode)
	assert.ErrorIs(t, err, repository.ErrVoucherExpired)

	assert.Equal(t, int64(100), f.balance(t, "u-1"))
	assert.Equal(t, int64(3), f.stock(t, "p-1"))

	stored, err := f.repo.GetRedemption(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RedemptionStatusPending, stored.Status)
	assert.Equal(t, model.RedemptionStatusExpired, f.svc.View(*stored).EffectiveStatus)

	_, err = f.svc.PendingRedemption(ctx, "u-1")
	assert.ErrorIs(t, err, repository.ErrRedemptionNotFound)

	queue, err := f.svc.ListPendingRedemptions(ctx, "op-1")
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestRedemption_RescanAfterExpiry(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "u-1", 100)
	ctx := context.Background()

	r, err := f.svc.CreateRedemption(ctx, "u-1", "p-1")
	require.NoError(t, err)

	_, err = f.svc.ConfirmByScanCode(ctx, "op-1", r.ScanCode)
	require.NoError(t, err)

	f.clock.now = f.clock.now.Add(model.VoucherTTL + time.Minute)

	_, err = f.svc.ConfirmByScanCode(ctx, "op-1", r.ScanCode)
	assert.ErrorIs(t, err, repository.ErrNotPending, "a redeemed voucher reports as used, not expired")
	assert.NotErrorIs(t, err, repository.ErrVoucherExpired)
	assert.Equal(t, int64(20), f.balance(t, "u-1"))
	assert.Equal(t, int64(2), f.stock(t, "p-1"))
}

func TestRedemption_LastUnitRace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.repo.CreateProduct(ctx, &model.Product{ID: "p-last", Name: "Telur", PriceInCoins: 50, Stock: 1}))
	f.credit(t, "u-1", 100)
	f.credit(t, "u-2", 100)

	a, err := f.svc.CreateRedemption(ctx, "u-1", "p-last")
	require.NoError(t, err)
	b, err := f.svc.CreateRedemption(ctx, "u-2", "p-last")
	require.NoError(t, err)

	_, err = f.svc.ConfirmRedemption(ctx, "op-1", a.ID)
	require.NoError(t, err)

	_, err = f.svc.ConfirmRedemption(ctx, "op-1", b.ID)
	assert.ErrorIs(t, err, repository.ErrOutOfStock)
	assert.Equal(t, int64(100), f.balance(t, "u-2"))

	stored, err := f.repo.GetRedemption(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RedemptionStatusPending, stored.Status)
}

func TestRedemption_CreateRejections(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "u-1", 10)
	ctx := context.Background()

	_, err := f.svc.CreateRedemption(ctx, "u-1", "p-1")
	assert.ErrorIs(t, err, repository.ErrInsufficientBalance)

	_, err = f.svc.CreateRedemption(ctx, "u-1", "missing")
	assert.ErrorIs(t, err, repository.ErrProductNotFound)

	_, err = f.svc.CreateRedemption(ctx, "op-1", "p-1")
	assert.ErrorIs(t, err, ErrForbidden)

	list, err := f.svc.ListRedemptionsByUser(ctx, "u-1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRedemption_ScanCodeTampered(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "u-1", 100)
	ctx := context.Background()

	r, err := f.svc.CreateRedemption(ctx, "u-1", "p-1")
	require.NoError(t, err)

	forged := voucher.NewSigner("attacker").Sign(r.ID, r.ExpiresAt)
	_, err = f.svc.ConfirmByScanCode(ctx, "op-1", forged)
	assert.ErrorIs(t, err, ErrInvalidScanCode)

	_, err = f.svc.ConfirmByScanCode(ctx, "op-1", "ECRD-1700000000000-u-1")
	assert.ErrorIs(t, err, ErrInvalidScanCode)

	assert.Equal(t, int64(100), f.balance(t, "u-1"))
}

func TestRedemption_ConfirmBySuspendedOperator(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "u-1", 100)
	ctx := context.Background()

	r, err := f.svc.CreateRedemption(ctx, "u-1", "p-1")
	require.NoError(t, err)

	_, err = f.svc.ConfirmRedemption(ctx, "op-2", r.ID)
	assert.ErrorIs(t, err, ErrOperatorInactive)
	assert.Equal(t, int64(100), f.balance(t, "u-1"))
}

func TestPendingRedemption_NewestUsable(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "u-1", 500)
	ctx := context.Background()

	first, err := f.svc.CreateRedemption(ctx, "u-1", "p-1")
	require.NoError(t, err)

	f.clock.now = f.clock.now.Add(time.Minute)
	second, err := f.svc.CreateRedemption(ctx, "u-1", "p-1")
	require.NoError(t, err)

	got, err := f.svc.PendingRedemption(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
	assert.Equal(t, model.VoucherTTL, f.svc.View(*got).Remaining)

	_, err = f.svc.ConfirmRedemption(ctx, "op-1", second.ID)
	require.NoError(t, err)

	got, err = f.svc.PendingRedemption(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, 4*time.Minute, f.svc.View(*got).Remaining)
}

func TestCreateRedemption_RateLimited(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "u-1", 1000)
	f.svc.limiter = ratelimit.NewMemoryLimiter()
	f.svc.redemptionRule = ratelimit.Rule{Limit: 1, Window: time.Minute}
	ctx := context.Background()

	_, err := f.svc.CreateRedemption(ctx, "u-1", "p-1")
	require.NoError(t, err)

	_, err = f.svc.CreateRedemption(ctx, "u-1", "p-1")
	require.ErrorIs(t, err, ErrRateLimited)

	var rl *RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Positive(t, rl.RetryAfter)
}

func TestCatalogValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateProduct(ctx, model.Product{Name: "Free", PriceInCoins: 0, Stock: 1})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.CreateProduct(ctx, model.Product{Name: "Negative", PriceInCoins: 5, Stock: -1})
	assert.ErrorIs(t, err, ErrInvalidInput)

	p, err := f.svc.CreateProduct(ctx, model.Product{Name: "Gula", PriceInCoins: 60, Stock: 80})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)

	_, err = f.svc.UpdateProduct(ctx, model.Product{ID: "nope", Name: "X", PriceInCoins: 1})
	assert.ErrorIs(t, err, repository.ErrProductNotFound)

	_, err = f.svc.UpdateSettings(ctx, decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.CreatePromotion(ctx, model.Promotion{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestListOperators(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	active, err := f.svc.ListOperators(ctx, model.OperatorStatusActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "op-1", active[0].ID)

	_, err = f.svc.ListOperators(ctx, "BOGUS")
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.ErrorIs(t, f.svc.SetOperatorStatus(ctx, "admin", "op-1", "BOGUS"), ErrInvalidInput)
	assert.ErrorIs(t, f.svc.SetOperatorStatus(ctx, "admin", "u-1", model.OperatorStatusActive), repository.ErrUserNotFound)
}

type driftRepo struct {
	Repository
	drift []model.Drift
}

func (r *driftRepo) FindLedgerDrift(ctx context.Context) ([]model.Drift, error) {
	return r.drift, nil
}

func TestReconcile_SetsGauge(t *testing.T) {
	repo := &driftRepo{drift: []model.Drift{
		{UserID: "u-1", Cached: 50, Expected: 40},
		{UserID: "u-2", Cached: 0, Expected: 5},
	}}
	svc := NewService(Deps{Repo: repo})

	drift, err := svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Len(t, drift, 2)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.LedgerDriftUsers))
}

func TestNewReconciler_BadSchedule(t *testing.T) {
	svc := NewService(Deps{Repo: &driftRepo{}})

	_, err := NewReconciler(context.Background(), svc, "not a schedule")
	assert.Error(t, err)

	r, err := NewReconciler(context.Background(), svc, "@every 1h")
	require.NoError(t, err)
	r.Start()
	<-r.Stop().Done()
}
