package handler

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/ecokoin/internal/model"
	"github.com/mmeshcher/ecokoin/internal/service"
)

type userResponse struct {
	ID             string `json:"id"`
	Username       string `json:"username"`
	FullName       string `json:"full_name"`
	Email          string `json:"email,omitempty"`
	Phone          string `json:"phone,omitempty"`
	Address        string `json:"address,omitempty"`
	Role           string `json:"role"`
	Coins          int64  `json:"coins"`
	OperatorStatus string `json:"operator_status,omitempty"`
	TPSTLocation   string `json:"tpst_location,omitempty"`
	IdentityMatch  *bool  `json:"identity_match,omitempty"`
	IdentityScore  *int   `json:"identity_score,omitempty"`
}

func newUserResponse(u *model.User) userResponse {
	resp := userResponse{
		ID:       u.ID,
		Username: u.Username,
		FullName: u.FullName,
		Email:    u.Email,
		Phone:    u.Phone,
		Address:  u.Address,
		Role:     string(u.Role),
		Coins:    u.Coins,
	}
	if u.Operator != nil {
		match, score := u.Operator.IdentityMatch, u.Operator.IdentityScore
		resp.OperatorStatus = string(u.Operator.Status)
		resp.TPSTLocation = u.Operator.TPSTLocation
		resp.IdentityMatch = &match
		resp.IdentityScore = &score
	}
	return resp
}

type productResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Price       int64  `json:"price"`
	Stock       int64  `json:"stock"`
	Image       string `json:"image"`
}

func newProductResponse(p model.Product) productResponse {
	return productResponse{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Price:       p.PriceInCoins,
		Stock:       p.Stock,
		Image:       p.Image,
	}
}

type promotionResponse struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Image string `json:"image"`
	Link  string `json:"link,omitempty"`
}

func newPromotionResponse(p model.Promotion) promotionResponse {
	return promotionResponse{ID: p.ID, Title: p.Title, Image: p.Image, Link: p.Link}
}

type depositResponse struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	UserName    string          `json:"user_name"`
	OperatorID  string          `json:"operator_id"`
	WeightKg    decimal.Decimal `json:"weight_kg"`
	CoinsEarned int64           `json:"coins_earned"`
	Location    string          `json:"location"`
	CreatedAt   string          `json:"created_at"`
}

func newDepositResponse(d model.Deposit) depositResponse {
	return depositResponse{
		ID:          d.ID,
		UserID:      d.UserID,
		UserName:    d.UserName,
		OperatorID:  d.OperatorID,
		WeightKg:    d.WeightKg,
		CoinsEarned: d.CoinsEarned,
		Location:    d.Location,
		CreatedAt:   d.CreatedAt.Format(time.RFC3339),
	}
}

type redemptionResponse struct {
	ID               string `json:"id"`
	UserID           string `json:"user_id"`
	ProductID        string `json:"product_id"`
	ProductName      string `json:"product_name"`
	CoinsSpent       int64  `json:"coins_spent"`
	Status           string `json:"status"`
	ScanCode         string `json:"scan_code,omitempty"`
	CreatedAt        string `json:"created_at"`
	ExpiresAt        string `json:"expires_at"`
	RemainingSeconds int64  `json:"remaining_seconds"`
	OperatorID       string `json:"operator_id,omitempty"`
	CompletedAt      string `json:"completed_at,omitempty"`
}

// newRedemptionResponse отдаёт вычисленный статус: просроченный ваучер виден как EXPIRED,
// а код для сканирования возвращается только пока ваучер действует.
func newRedemptionResponse(v service.RedemptionView) redemptionResponse {
	resp := redemptionResponse{
		ID:               v.ID,
		UserID:           v.UserID,
		ProductID:        v.ProductID,
		ProductName:      v.ProductName,
		CoinsSpent:       v.CoinsSpent,
		Status:           string(v.EffectiveStatus),
		CreatedAt:        v.CreatedAt.Format(time.RFC3339),
		ExpiresAt:        v.ExpiresAt.Format(time.RFC3339),
		RemainingSeconds: int64(v.Remaining.Seconds()),
		OperatorID:       v.OperatorID,
	}
	if v.EffectiveStatus == model.RedemptionStatusPending {
		resp.ScanCode = v.ScanCode
	}
	if v.CompletedAt != nil {
		resp.CompletedAt = v.CompletedAt.Format(time.RFC3339)
	}
	return resp
}

type receiptResponse struct {
	RedemptionID string `json:"redemption_id"`
	UserID       string `json:"user_id"`
	UserName     string `json:"user_name"`
	ProductID    string `json:"product_id"`
	ProductName  string `json:"product_name"`
	CoinsSpent   int64  `json:"coins_spent"`
	BalanceAfter int64  `json:"balance_after"`
	OperatorID   string `json:"operator_id"`
	CompletedAt  string `json:"completed_at"`
}

func newReceiptResponse(r *model.Receipt) receiptResponse {
	return receiptResponse{
		RedemptionID: r.RedemptionID,
		UserID:       r.UserID,
		UserName:     r.UserName,
		ProductID:    r.ProductID,
		ProductName:  r.ProductName,
		CoinsSpent:   r.CoinsSpent,
		BalanceAfter: r.BalanceAfter,
		OperatorID:   r.OperatorID,
		CompletedAt:  r.CompletedAt.Format(time.RFC3339),
	}
}

type settingsResponse struct {
	CoinConversionRate decimal.Decimal `json:"coin_conversion_rate"`
}

type statsResponse struct {
	Users              int64           `json:"users"`
	ActiveOperators    int64           `json:"active_operators"`
	Deposits           int64           `json:"deposits"`
	TotalWeightKg      decimal.Decimal `json:"total_weight_kg"`
	CoinsCredited      int64           `json:"coins_credited"`
	CoinsSpent         int64           `json:"coins_spent"`
	ProductsOutOfStock int64           `json:"products_out_of_stock"`
}

type reportResponse struct {
	Stats          statsResponse     `json:"stats"`
	RecentDeposits []depositResponse `json:"recent_deposits"`
}

type driftResponse struct {
	UserID     string `json:"user_id"`
	Username   string `json:"username"`
	Cached     int64  `json:"cached"`
	Expected   int64  `json:"expected"`
	Difference int64  `json:"difference"`
}

func mapSlice[T, R any](in []T, f func(T) R) []R {
	out := make([]R, 0, len(in))
	for _, v := range in {
		out = append(out, f(v))
	}
	return out
}
