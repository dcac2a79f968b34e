package model

import (
	"time"

	"github.com/google/uuid"
)

// VoucherTTL задаёт время жизни ваучера на получение товара.
const VoucherTTL = 5 * time.Minute

// RedemptionStatus описывает хранимый статус ваучера.
// Статус EXPIRED никогда не сохраняется: он вычисляется по времени при чтении.
type RedemptionStatus string

const (
	RedemptionStatusPending   RedemptionStatus = "PENDING"
	RedemptionStatusCompleted RedemptionStatus = "COMPLETED"
	RedemptionStatusExpired   RedemptionStatus = "EXPIRED"
)

// Redemption описывает ваучер на получение одной единицы товара.
// Название и цена товара фиксируются в момент создания.
type Redemption struct {
	ID          string
	UserID      string
	ProductID   string
	ProductName string
	CoinsSpent  int64
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Status      RedemptionStatus
	ScanCode    string
	OperatorID  string
	CompletedAt *time.Time
}

// Expired сообщает, истёк ли ожидающий ваучер к моменту now.
func (r *Redemption) Expired(now time.Time) bool {
	return r.Status == RedemptionStatusPending && now.After(r.ExpiresAt)
}

// Usable сообщает, может ли ваучер быть подтверждён оператором в момент now.
func (r *Redemption) Usable(now time.Time) bool {
	return r.Status == RedemptionStatusPending && !now.After(r.ExpiresAt)
}

// EffectiveStatus возвращает статус с учётом истечения срока действия.
func (r *Redemption) EffectiveStatus(now time.Time) RedemptionStatus {
	if r.Expired(now) {
		return RedemptionStatusExpired
	}
	return r.Status
}

// Remaining возвращает оставшееся время действия ваучера.
func (r *Redemption) Remaining(now time.Time) time.Duration {
	if !r.Usable(now) {
		return 0
	}
	return r.ExpiresAt.Sub(now)
}

// Receipt описывает квитанцию о выдаче товара по ваучеру.
type Receipt struct {
	RedemptionID string
	UserID       string
	UserName     string
	ProductID    string
	ProductName  string
	CoinsSpent   int64
	BalanceAfter int64
	OperatorID   string
	CompletedAt  time.Time
}

// NewID генерирует идентификатор вида PREFIX-<uuidv7>: время создания плюс случайный суффикс.
func NewID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + "-" + id.String()
}
