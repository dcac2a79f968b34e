package repository

import (
	"math"
	"time"

	"github.com/mmeshcher/ecokoin/internal/model"
)

// checkCreate проверяет, может ли пользователь с балансом balance заказать товар p.
func checkCreate(balance int64, p *model.Product) error {
	if p.Stock <= 0 {
		return ErrOutOfStock
	}
	if balance < p.PriceInCoins {
		return ErrInsufficientBalance
	}
	return nil
}

// checkConfirm проверяет предусловия выдачи товара по ваучеру на момент now.
// Баланс и остаток берутся текущие, а не зафиксированные при создании ваучера.
func checkConfirm(r *model.Redemption, balance int64, stock int64, now time.Time) error {
	if r.Status != model.RedemptionStatusPending {
		return ErrNotPending
	}
	if !r.Usable(now) {
		return ErrVoucherExpired
	}
	if balance < r.CoinsSpent {
		return ErrInsufficientBalance
	}
	if stock <= 0 {
		return ErrOutOfStock
	}
	return nil
}

// checkCredit проверяет, что начисление amount не переполнит баланс.
func checkCredit(balance, amount int64) error {
	if amount > 0 && balance > math.MaxInt64-amount {
		return ErrBalanceOverflow
	}
	return nil
}

// canApply сообщает, может ли пользователь подать заявку на роль оператора.
// Повторная заявка допускается только после отказа.
func canApply(u *model.User) error {
	if u.Role != model.RoleUser {
		return ErrApplicationExists
	}
	if u.Operator != nil && u.Operator.Status != model.OperatorStatusRejected {
		return ErrApplicationExists
	}
	return nil
}
