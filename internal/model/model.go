// Package model содержит доменные сущности сервиса ecokoin.
package model

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Role описывает роль пользователя в системе.
type Role string

const (
	RoleUser     Role = "USER"
	RoleOperator Role = "OPERATOR"
	RoleAdmin    Role = "ADMIN"
)

// OperatorStatus описывает статус допуска оператора к работе.
type OperatorStatus string

const (
	OperatorStatusPending   OperatorStatus = "PENDING"
	OperatorStatusActive    OperatorStatus = "ACTIVE"
	OperatorStatusRejected  OperatorStatus = "REJECTED"
	OperatorStatusSuspended OperatorStatus = "SUSPENDED"
)

// Valid сообщает, является ли статус одним из известных значений.
func (s OperatorStatus) Valid() bool {
	switch s {
	case OperatorStatusPending, OperatorStatusActive, OperatorStatusRejected, OperatorStatusSuspended:
		return true
	}
	return false
}

// OperatorDetails содержит сведения об операторе пункта приёма (TPST).
type OperatorDetails struct {
	Status        OperatorStatus
	TPSTLocation  string
	IdentityMatch bool
	IdentityScore int
}

// User представляет зарегистрированного пользователя.
// Coins хранит кешированный баланс, изменяемый только операциями начисления и списания.
type User struct {
	ID           string
	Username     string
	FullName     string
	Email        string
	Phone        string
	Address      string
	PasswordHash []byte
	Role         Role
	Coins        int64
	Operator     *OperatorDetails
	CreatedAt    time.Time
}

// IsActiveOperator сообщает, может ли пользователь работать оператором.
func (u *User) IsActiveOperator() bool {
	return u.Role == RoleOperator && u.Operator != nil && u.Operator.Status == OperatorStatusActive
}

// CanLogin сообщает, разрешён ли пользователю вход. Операторы входят только после одобрения.
func (u *User) CanLogin() bool {
	if u.Role == RoleOperator {
		return u.IsActiveOperator()
	}
	return true
}

// Product описывает товар первой необходимости, доступный за монеты.
type Product struct {
	ID           string
	Name         string
	Description  string
	PriceInCoins int64
	Stock        int64
	Image        string
}

// Deposit описывает неизменяемую запись о сдаче отходов.
type Deposit struct {
	ID          string
	UserID      string
	UserName    string
	OperatorID  string
	WeightKg    decimal.Decimal
	CoinsEarned int64
	Location    string
	CreatedAt   time.Time
}

// Promotion описывает рекламный баннер.
type Promotion struct {
	ID    string
	Title string
	Image string
	Link  string
}

// Settings содержит глобальные настройки системы.
type Settings struct {
	CoinConversionRate decimal.Decimal
}

// DefaultConversionRate задаёт курс монет за килограмм по умолчанию.
var DefaultConversionRate = decimal.NewFromInt(5)

// Курс хранится как NUMERIC(10, 3), вес как NUMERIC(12, 3).
const (
	RateScale   = 3
	WeightScale = 3
)

// MaxConversionRate соответствует наибольшему значению NUMERIC(10, 3).
var MaxConversionRate = decimal.RequireFromString("9999999.999")

// ErrCoinsOverflow возвращается, если количество монет не помещается в int64.
var ErrCoinsOverflow = errors.New("coins amount overflows int64")

// ValidRate сообщает, можно ли сохранить курс без потери точности.
func ValidRate(rate decimal.Decimal) bool {
	return rate.IsPositive() &&
		!rate.GreaterThan(MaxConversionRate) &&
		rate.Equal(rate.Truncate(RateScale))
}

// CoinsFor возвращает количество монет за сданный вес: floor(weight × rate).
func CoinsFor(weightKg, rate decimal.Decimal) (int64, error) {
	coins := weightKg.Mul(rate).Floor()
	if coins.IsNegative() || !coins.BigInt().IsInt64() {
		return 0, ErrCoinsOverflow
	}
	return coins.IntPart(), nil
}

// Profile содержит редактируемые пользователем контактные данные.
type Profile struct {
	FullName string
	Phone    string
	Address  string
}

// PasswordReset хранит хеш одноразового кода сброса пароля.
type PasswordReset struct {
	UserID    string
	CodeHash  []byte
	ExpiresAt time.Time
}

// OperatorApplication описывает заявку пользователя на роль оператора.
type OperatorApplication struct {
	Phone   string
	Details OperatorDetails
}

// Adjustment описывает ручную корректировку баланса администратором.
type Adjustment struct {
	ID        string
	UserID    string
	AdminID   string
	Delta     int64
	Reason    string
	CreatedAt time.Time
}

// Stats содержит агрегированные показатели для отчёта администратора.
type Stats struct {
	Users              int64
	ActiveOperators    int64
	Deposits           int64
	TotalWeightKg      decimal.Decimal
	CoinsCredited      int64
	CoinsSpent         int64
	ProductsOutOfStock int64
}

// Drift описывает расхождение кешированного баланса с историей операций.
type Drift struct {
	UserID   string
	Username string
	Cached   int64
	Expected int64
}

// Difference возвращает величину расхождения.
func (d Drift) Difference() int64 {
	return d.Cached - d.Expected
}
