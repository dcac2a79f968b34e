// Package seed загружает начальные данные (учётные записи, каталог, баннеры) из YAML.
package seed

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/mmeshcher/ecokoin/internal/model"
	"github.com/mmeshcher/ecokoin/internal/repository"
)

//go:embed default.yaml
var defaultData []byte

// User описывает учётную запись в файле начальных данных.
type User struct {
	ID             string `yaml:"id"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	FullName       string `yaml:"full_name"`
	Email          string `yaml:"email"`
	Phone          string `yaml:"phone"`
	Address        string `yaml:"address"`
	Role           string `yaml:"role"`
	OperatorStatus string `yaml:"operator_status,omitempty"`
	TPSTLocation   string `yaml:"tpst_location,omitempty"`
	Coins          int64  `yaml:"coins,omitempty"`
}

// Product описывает товар в файле начальных данных.
type Product struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Price       int64  `yaml:"price"`
	Stock       int64  `yaml:"stock"`
	Image       string `yaml:"image"`
}

// Promotion описывает баннер в файле начальных данных.
type Promotion struct {
	ID    string `yaml:"id"`
	Title string `yaml:"title"`
	Image string `yaml:"image"`
	Link  string `yaml:"link,omitempty"`
}

// Data содержит файл начальных данных целиком.
type Data struct {
	ConversionRate string      `yaml:"conversion_rate"`
	Users          []User      `yaml:"users"`
	Products       []Product   `yaml:"products"`
	Promotions     []Promotion `yaml:"promotions"`
}

// Store перечисляет операции хранилища, нужные для загрузки начальных данных.
type Store interface {
	CreateUserWithBalance(ctx context.Context, u *model.User, opening model.Adjustment) error
	ListProducts(ctx context.Context) ([]model.Product, error)
	CreateProduct(ctx context.Context, p *model.Product) error
	ListPromotions(ctx context.Context) ([]model.Promotion, error)
	CreatePromotion(ctx context.Context, p *model.Promotion) error
	UpdateSettings(ctx context.Context, s model.Settings) error
}

// Load читает файл начальных данных. Пустой путь означает встроенный набор.
func Load(path string) (*Data, error) {
	raw := defaultData
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading seed file %s: %w", path, err)
		}
		raw = b
	}

	var d Data
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("parsing seed data: %w", err)
	}
	return &d, nil
}

// Apply добавляет недостающие учётные записи. Каталог, баннеры и курс
// загружаются только в пустое хранилище, чтобы не затирать изменения администратора.
func Apply(ctx context.Context, store Store, d *Data, logger *zap.Logger) error {
	now := time.Now()

	for _, su := range d.Users {
		u, err := su.toModel(now)
		if err != nil {
			return err
		}

		err = store.CreateUserWithBalance(ctx, u, model.Adjustment{
			ID:        model.NewID("ADJ"),
			UserID:    u.ID,
			AdminID:   "seed",
			Delta:     su.Coins,
			Reason:    "seed",
			CreatedAt: now,
		})
		if errors.Is(err, repository.ErrUserExists) {
			continue
		}
		if err != nil {
			return fmt.Errorf("seed user %s: %w", su.Username, err)
		}
		logger.Info("seed user created", zap.String("username", u.Username), zap.String("role", string(u.Role)))
	}

	products, err := store.ListProducts(ctx)
	if err != nil {
		return fmt.Errorf("list products: %w", err)
	}
	if len(products) == 0 {
		if d.ConversionRate != "" {
			rate, err := decimal.NewFromString(d.ConversionRate)
			if err != nil || !model.ValidRate(rate) {
				return fmt.Errorf("invalid seed conversion rate %q", d.ConversionRate)
			}
			if err := store.UpdateSettings(ctx, model.Settings{CoinConversionRate: rate}); err != nil {
				return fmt.Errorf("seed settings: %w", err)
			}
		}

		for _, sp := range d.Products {
			p := &model.Product{
				ID:           sp.ID,
				Name:         sp.Name,
				Description:  sp.Description,
				PriceInCoins: sp.Price,
				Stock:        sp.Stock,
				Image:        sp.Image,
			}
			if p.ID == "" {
				p.ID = model.NewID("P")
			}
			if err := store.CreateProduct(ctx, p); err != nil {
				return fmt.Errorf("seed product %s: %w", sp.Name, err)
			}
		}
		logger.Info("seed catalog loaded", zap.Int("products", len(d.Products)))
	}

	promotions, err := store.ListPromotions(ctx)
	if err != nil {
		return fmt.Errorf("list promotions: %w", err)
	}
	if len(promotions) == 0 {
		for _, sp := range d.Promotions {
			p := &model.Promotion{ID: sp.ID, Title: sp.Title, Image: sp.Image, Link: sp.Link}
			if p.ID == "" {
				p.ID = model.NewID("AD")
			}
			if err := store.CreatePromotion(ctx, p); err != nil {
				return fmt.Errorf("seed promotion %s: %w", sp.Title, err)
			}
		}
	}

	return nil
}

func (su User) toModel(now time.Time) (*model.User, error) {
	role := model.Role(su.Role)
	switch role {
	case model.RoleUser, model.RoleOperator, model.RoleAdmin:
	case "":
		role = model.RoleUser
	default:
		return nil, fmt.Errorf("seed user %s: unknown role %q", su.Username, su.Role)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(su.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u := &model.User{
		ID:           su.ID,
		Username:     su.Username,
		FullName:     su.FullName,
		Email:        su.Email,
		Phone:        su.Phone,
		Address:      su.Address,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    now,
	}
	if u.ID == "" {
		u.ID = model.NewID("U")
	}

	if role == model.RoleOperator {
		status := model.OperatorStatus(su.OperatorStatus)
		if status == "" {
			status = model.OperatorStatusPending
		}
		if !status.Valid() {
			return nil, fmt.Errorf("seed user %s: unknown operator status %q", su.Username, su.OperatorStatus)
		}
		u.Operator = &model.OperatorDetails{Status: status, TPSTLocation: su.TPSTLocation}
	}

	return u, nil
}
