// Package repository содержит реализации хранилища сервиса ecokoin: PostgreSQL и in-memory.
package repository

import "errors"

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrInsufficientBalance возвращается при попытке списания суммы, превышающей баланс.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrProductNotFound возвращается, если товар не найден.
	ErrProductNotFound = errors.New("product not found")
	// ErrOutOfStock возвращается, если товара нет в наличии.
	ErrOutOfStock = errors.New("product out of stock")
	// ErrRedemptionNotFound возвращается, если ваучер не найден.
	ErrRedemptionNotFound = errors.New("redemption not found")
	// ErrNotPending возвращается при попытке подтвердить уже выданный ваучер.
	ErrNotPending = errors.New("redemption is not pending")
	// ErrVoucherExpired возвращается при попытке подтвердить просроченный ваучер.
	ErrVoucherExpired = errors.New("voucher expired")
	// ErrPromotionNotFound возвращается, если баннер не найден.
	ErrPromotionNotFound = errors.New("promotion not found")
	// ErrBalanceOverflow возвращается, если начисление переполнит баланс.
	ErrBalanceOverflow = errors.New("balance overflow")
	// ErrApplicationExists возвращается, если заявка на роль оператора уже подана или одобрена.
	ErrApplicationExists = errors.New("operator application already exists")
	// ErrResetNotFound возвращается, если запроса на сброс пароля нет.
	ErrResetNotFound = errors.New("password reset not found")
)
