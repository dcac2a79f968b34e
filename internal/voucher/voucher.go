// Package voucher формирует и проверяет подписанные коды ваучеров для сканирования оператором.
package voucher

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

const codePrefix = "ECRD"

var (
	// ErrMalformedCode возвращается, если код не соответствует формату ECRD.<id>.<expiry>.<sig>.
	ErrMalformedCode = errors.New("malformed scan code")
	// ErrBadSignature возвращается, если подпись кода не совпадает.
	ErrBadSignature = errors.New("invalid scan code signature")
	// ErrCodeExpired возвращается, если срок действия кода истёк.
	ErrCodeExpired = errors.New("scan code expired")
)

// Signer подписывает коды ваучеров HMAC-SHA256.
type Signer struct {
	secretKey []byte
}

// NewSigner создаёт Signer. При пустом секрете генерируется случайный ключ:
// коды, выданные до перезапуска, перестанут проходить проверку.
func NewSigner(secret string) *Signer {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-voucher-key")
		}
	}

	return &Signer{secretKey: key}
}

// Sign возвращает код ваучера, связывающий идентификатор и срок действия.
func (s *Signer) Sign(id string, expiresAt time.Time) string {
	payload := codePrefix + "." + id + "." + strconv.FormatInt(expiresAt.UnixMilli(), 10)
	return payload + "." + s.signature(payload)
}

// Verify проверяет подпись и срок действия кода и возвращает идентификатор ваучера.
// Код, действительный ровно в момент истечения, принимается.
func (s *Signer) Verify(code string, now time.Time) (string, error) {
	code = strings.TrimSpace(code)

	idx := strings.LastIndexByte(code, '.')
	if idx <= 0 {
		return "", ErrMalformedCode
	}
	payload, sig := code[:idx], code[idx+1:]

	parts := strings.Split(payload, ".")
	if len(parts) != 3 || parts[0] != codePrefix || parts[1] == "" {
		return "", ErrMalformedCode
	}

	expiryMillis, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", ErrMalformedCode
	}

	if !hmac.Equal([]byte(sig), []byte(s.signature(payload))) {
		return "", ErrBadSignature
	}

	if now.After(time.UnixMilli(expiryMillis)) {
		return parts[1], ErrCodeExpired
	}

	return parts[1], nil
}

func (s *Signer) signature(payload string) string {
	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
