package voucher

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	s := NewSigner("test-secret")
	expires := time.Date(2026, 5, 1, 10, 5, 0, 0, time.UTC)

	code := s.Sign("RD-0190a1b2-c3d4", expires)
	require.True(t, strings.HasPrefix(code, "ECRD.RD-0190a1b2-c3d4."))

	id, err := s.Verify(code, expires.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "RD-0190a1b2-c3d4", id)

	id, err = s.Verify(code, expires)
	require.NoError(t, err, "code is valid at the exact expiry instant")
	assert.Equal(t, "RD-0190a1b2-c3d4", id)
}

func TestVerify_Rejections(t *testing.T) {
	s := NewSigner("test-secret")
	expires := time.Date(2026, 5, 1, 10, 5, 0, 0, time.UTC)
	now := expires.Add(-time.Minute)
	code := s.Sign("RD-1", expires)

	tests := []struct {
		name    string
		code    string
		now     time.Time
		wantErr error
	}{
		{name: "empty", code: "", now: now, wantErr: ErrMalformedCode},
		{name: "legacy format", code: "ECRD-1700000000000-user-1", now: now, wantErr: ErrMalformedCode},
		{name: "wrong prefix", code: "XXXX" + strings.TrimPrefix(code, "ECRD"), now: now, wantErr: ErrMalformedCode},
		{name: "bad expiry", code: "ECRD.RD-1.soon.abcd", now: now, wantErr: ErrMalformedCode},
		{name: "tampered id", code: strings.Replace(code, "RD-1", "RD-2", 1), now: now, wantErr: ErrBadSignature},
		{name: "foreign key", code: NewSigner("other").Sign("RD-1", expires), now: now, wantErr: ErrBadSignature},
		{name: "expired", code: code, now: expires.Add(time.Millisecond), wantErr: ErrCodeExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Verify(tt.code, tt.now)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestNewSigner_EmptySecret(t *testing.T) {
	a := NewSigner("")
	b := NewSigner("")

	expires := time.Now().Add(time.Minute)
	_, err := b.Verify(a.Sign("RD-1", expires), time.Now())
	assert.ErrorIs(t, err, ErrBadSignature)
}
