package model

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoinsFor(t *testing.T) {
	tests := []struct {
		name   string
		weight string
		rate   string
		want   int64
	}{
		{name: "fraction is floored", weight: "2.4", rate: "5", want: 12},
		{name: "exact decimal product", weight: "0.3", rate: "10", want: 3},
		{name: "fractional rate", weight: "3", rate: "2.5", want: 7},
		{name: "below one coin", weight: "0.1", rate: "5", want: 0},
		{name: "whole kilograms", weight: "10", rate: "5", want: 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CoinsFor(decimal.RequireFromString(tt.weight), decimal.RequireFromString(tt.rate))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCoinsFor_Overflow(t *testing.T) {
	_, err := CoinsFor(decimal.NewFromInt(1), decimal.RequireFromString("1e20"))
	assert.ErrorIs(t, err, ErrCoinsOverflow)

	_, err = CoinsFor(decimal.NewFromInt(-1), decimal.NewFromInt(5))
	assert.ErrorIs(t, err, ErrCoinsOverflow)

	got, err := CoinsFor(decimal.NewFromInt(1000), MaxConversionRate)
	require.NoError(t, err)
	assert.Equal(t, int64(9999999999), got)
}

func TestValidRate(t *testing.T) {
	tests := []struct {
		rate string
		want bool
	}{
		{rate: "5", want: true},
		{rate: "0.001", want: true},
		{rate: "2.500", want: true},
		{rate: "9999999.999", want: true},
		{rate: "0", want: false},
		{rate: "-1", want: false},
		{rate: "0.0004", want: false},
		{rate: "5.5555", want: false},
		{rate: "10000000", want: false},
		{rate: "1e20", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.rate, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidRate(decimal.RequireFromString(tt.rate)))
		})
	}
}

func TestRedemptionUsable(t *testing.T) {
	created := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	r := &Redemption{
		Status:    RedemptionStatusPending,
		CreatedAt: created,
		ExpiresAt: created.Add(VoucherTTL),
	}

	before := created.Add(time.Minute)
	after := created.Add(VoucherTTL + time.Second)

	assert.True(t, r.Usable(before))
	assert.True(t, r.Usable(r.ExpiresAt), "voucher is usable at the exact expiry instant")
	assert.False(t, r.Usable(after))

	assert.Equal(t, RedemptionStatusPending, r.EffectiveStatus(before))
	assert.Equal(t, RedemptionStatusExpired, r.EffectiveStatus(after))
	assert.Equal(t, RedemptionStatusPending, r.Status, "expiry is never written back")

	assert.Equal(t, 4*time.Minute, r.Remaining(before))
	assert.Zero(t, r.Remaining(after))
}

func TestCompletedRedemptionNeverExpires(t *testing.T) {
	created := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	r := &Redemption{
		Status:    RedemptionStatusCompleted,
		ExpiresAt: created.Add(VoucherTTL),
	}

	later := created.Add(time.Hour)
	assert.False(t, r.Usable(later))
	assert.False(t, r.Expired(later))
	assert.Equal(t, RedemptionStatusCompleted, r.EffectiveStatus(later))
}

func TestUserCanLogin(t *testing.T) {
	tests := []struct {
		name string
		user User
		want bool
	}{
		{name: "regular user", user: User{Role: RoleUser}, want: true},
		{name: "admin", user: User{Role: RoleAdmin}, want: true},
		{name: "active operator", user: User{Role: RoleOperator, Operator: &OperatorDetails{Status: OperatorStatusActive}}, want: true},
		{name: "pending operator", user: User{Role: RoleOperator, Operator: &OperatorDetails{Status: OperatorStatusPending}}, want: false},
		{name: "suspended operator", user: User{Role: RoleOperator, Operator: &OperatorDetails{Status: OperatorStatusSuspended}}, want: false},
		{name: "operator without details", user: User{Role: RoleOperator}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.user.CanLogin())
		})
	}
}

func TestNewID(t *testing.T) {
	a := NewID("RD")
	b := NewID("RD")

	assert.True(t, strings.HasPrefix(a, "RD-"))
	assert.NotEqual(t, a, b)
}
