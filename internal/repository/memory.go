package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/ecokoin/internal/model"
)

// MemoryRepository хранит все данные в памяти процесса.
// Все изменения выполняются под одним мьютексом, поэтому проверка предусловий и
// изменение баланса или остатка товара атомарны относительно друг друга.
type MemoryRepository struct {
	mu sync.Mutex

	users       map[string]*model.User
	usernames   map[string]string
	products    map[string]*model.Product
	productIDs  []string
	deposits    []model.Deposit
	redemptions map[string]*model.Redemption
	redeemIDs   []string
	promotions  map[string]*model.Promotion
	promoIDs    []string
	adjustments []model.Adjustment
	resets      map[string]model.PasswordReset
	settings    model.Settings
}

// NewMemoryRepository создаёт пустое in-memory хранилище с настройками по умолчанию.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:       make(map[string]*model.User),
		usernames:   make(map[string]string),
		products:    make(map[string]*model.Product),
		redemptions: make(map[string]*model.Redemption),
		promotions:  make(map[string]*model.Promotion),
		resets:      make(map[string]model.PasswordReset),
		settings:    model.Settings{CoinConversionRate: model.DefaultConversionRate},
	}
}

// Close ничего не делает: ресурсов для освобождения нет.
func (m *MemoryRepository) Close() error {
	return nil
}

func copyUser(u *model.User) *model.User {
	c := *u
	if u.Operator != nil {
		op := *u.Operator
		c.Operator = &op
	}
	return &c
}

// CreateUser сохраняет нового пользователя с нулевым балансом.
func (m *MemoryRepository) CreateUser(_ context.Context, u *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.insertUser(u, model.Adjustment{})
}

// CreateUserWithBalance сохраняет пользователя вместе с начальным балансом,
// записанным в журнал корректировок.
func (m *MemoryRepository) CreateUserWithBalance(_ context.Context, u *model.User, opening model.Adjustment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.insertUser(u, opening)
}

func (m *MemoryRepository) insertUser(u *model.User, opening model.Adjustment) error {
	if opening.Delta < 0 {
		return ErrInsufficientBalance
	}

	key := strings.ToUpper(u.Username)
	if _, ok := m.usernames[key]; ok {
		return ErrUserExists
	}
	if _, ok := m.users[u.ID]; ok {
		return ErrUserExists
	}

	c := copyUser(u)
	c.Username = key
	c.Coins = opening.Delta
	m.users[u.ID] = c
	m.usernames[key] = u.ID

	if opening.Delta > 0 {
		opening.UserID = u.ID
		m.adjustments = append(m.adjustments, opening)
	}
	return nil
}

// GetUserByUsername возвращает пользователя по логину.
func (m *MemoryRepository) GetUserByUsername(_ context.Context, username string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.usernames[strings.ToUpper(username)]
	if !ok {
		return nil, ErrUserNotFound
	}
	return copyUser(m.users[id]), nil
}

// GetUserByID возвращает пользователя по идентификатору.
func (m *MemoryRepository) GetUserByID(_ context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return copyUser(u), nil
}

// GetUserByEmail возвращает самого раннего пользователя с указанным email (без учёта регистра).
func (m *MemoryRepository) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var found *model.User
	for _, u := range m.users {
		if u.Email == "" || !strings.EqualFold(u.Email, email) {
			continue
		}
		if found == nil || u.CreatedAt.Before(found.CreatedAt) {
			found = u
		}
	}
	if found == nil {
		return nil, ErrUserNotFound
	}
	return copyUser(found), nil
}

// SearchUsers ищет пользователей с ролью USER по подстроке имени (без учёта регистра)
// или телефона. Результат упорядочен по имени.
func (m *MemoryRepository) SearchUsers(_ context.Context, query string, limit int) ([]model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := strings.ToLower(query)
	var res []model.User
	for _, u := range m.users {
		if u.Role != model.RoleUser {
			continue
		}
		if strings.Contains(strings.ToLower(u.FullName), q) || strings.Contains(u.Phone, query) {
			res = append(res, *copyUser(u))
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].FullName != res[j].FullName {
			return res[i].FullName < res[j].FullName
		}
		return res[i].ID < res[j].ID
	})
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// UpdateProfile меняет контактные данные пользователя.
func (m *MemoryRepository) UpdateProfile(_ context.Context, id string, p model.Profile) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	u.FullName = p.FullName
	u.Phone = p.Phone
	u.Address = p.Address
	return copyUser(u), nil
}

// UpdatePassword заменяет хеш пароля.
func (m *MemoryRepository) UpdatePassword(_ context.Context, id string, hash []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.PasswordHash = hash
	return nil
}

// SavePasswordReset сохраняет код сброса пароля, заменяя предыдущий.
func (m *MemoryRepository) SavePasswordReset(_ context.Context, r model.PasswordReset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[r.UserID]; !ok {
		return ErrUserNotFound
	}
	m.resets[r.UserID] = r
	return nil
}

// GetPasswordReset возвращает действующий запрос на сброс пароля.
func (m *MemoryRepository) GetPasswordReset(_ context.Context, userID string) (*model.PasswordReset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.resets[userID]
	if !ok {
		return nil, ErrResetNotFound
	}
	return &r, nil
}

// CompletePasswordReset заменяет хеш пароля и удаляет запрос на сброс.
func (m *MemoryRepository) CompletePasswordReset(_ context.Context, userID string, hash []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.resets[userID]; !ok {
		return ErrResetNotFound
	}
	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.PasswordHash = hash
	delete(m.resets, userID)
	return nil
}

// ListOperators возвращает операторов и заявителей с указанным статусом или всех, если статус пуст.
func (m *MemoryRepository) ListOperators(_ context.Context, status model.OperatorStatus) ([]model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []model.User
	for _, u := range m.users {
		if u.Operator == nil {
			continue
		}
		if status != "" && u.Operator.Status != status {
			continue
		}
		res = append(res, *copyUser(u))
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

// UpdateOperatorStatus меняет статус допуска оператора. Одобренный заявитель получает роль OPERATOR.
func (m *MemoryRepository) UpdateOperatorStatus(_ context.Context, id string, status model.OperatorStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok || u.Operator == nil {
		return ErrUserNotFound
	}
	u.Operator.Status = status
	if status == model.OperatorStatusActive {
		u.Role = model.RoleOperator
	}
	return nil
}

// ApplyOperator сохраняет заявку пользователя на роль оператора в статусе PENDING.
// До одобрения пользователь сохраняет роль USER.
func (m *MemoryRepository) ApplyOperator(_ context.Context, id string, app model.OperatorApplication) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	if err := canApply(u); err != nil {
		return err
	}

	details := app.Details
	details.Status = model.OperatorStatusPending
	u.Operator = &details
	if app.Phone != "" {
		u.Phone = app.Phone
	}
	return nil
}

// AdjustBalance начисляет (delta > 0) или списывает (delta < 0) монеты и записывает корректировку в журнал.
// Начисление неизвестному пользователю ничего не делает.
func (m *MemoryRepository) AdjustBalance(_ context.Context, adj model.Adjustment) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[adj.UserID]
	if !ok {
		if adj.Delta >= 0 {
			return 0, nil
		}
		return 0, ErrUserNotFound
	}

	if adj.Delta < 0 && u.Coins < -adj.Delta {
		return u.Coins, ErrInsufficientBalance
	}
	if err := checkCredit(u.Coins, adj.Delta); err != nil {
		return u.Coins, err
	}

	u.Coins += adj.Delta
	m.adjustments = append(m.adjustments, adj)
	return u.Coins, nil
}

// RecordDeposit сохраняет запись о сдаче отходов и начисляет монеты в одной операции.
func (m *MemoryRepository) RecordDeposit(_ context.Context, d *model.Deposit) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[d.UserID]
	if !ok {
		return 0, ErrUserNotFound
	}
	if err := checkCredit(u.Coins, d.CoinsEarned); err != nil {
		return u.Coins, err
	}

	u.Coins += d.CoinsEarned
	m.deposits = append(m.deposits, *d)
	return u.Coins, nil
}

// ListDepositsByUser возвращает историю сдачи отходов пользователя, новые первыми.
func (m *MemoryRepository) ListDepositsByUser(_ context.Context, userID string) ([]model.Deposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []model.Deposit
	for i := len(m.deposits) - 1; i >= 0; i-- {
		if m.deposits[i].UserID == userID {
			res = append(res, m.deposits[i])
		}
	}
	return res, nil
}

// ListDeposits возвращает последние limit записей о сдаче отходов.
func (m *MemoryRepository) ListDeposits(_ context.Context, limit int) ([]model.Deposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []model.Deposit
	for i := len(m.deposits) - 1; i >= 0 && len(res) < limit; i-- {
		res = append(res, m.deposits[i])
	}
	return res, nil
}

// CreateProduct добавляет товар.
func (m *MemoryRepository) CreateProduct(_ context.Context, p *model.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *p
	m.products[p.ID] = &c
	m.productIDs = append(m.productIDs, p.ID)
	return nil
}

// UpdateProduct обновляет товар.
func (m *MemoryRepository) UpdateProduct(_ context.Context, p *model.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.products[p.ID]; !ok {
		return ErrProductNotFound
	}
	c := *p
	m.products[p.ID] = &c
	return nil
}

// DeleteProduct удаляет товар. Ваучеры сохраняют снимок названия и цены.
func (m *MemoryRepository) DeleteProduct(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.products[id]; !ok {
		return ErrProductNotFound
	}
	delete(m.products, id)
	m.productIDs = removeID(m.productIDs, id)
	return nil
}

// GetProduct возвращает товар по идентификатору.
func (m *MemoryRepository) GetProduct(_ context.Context, id string) (*model.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	c := *p
	return &c, nil
}

// ListProducts возвращает каталог, новые товары первыми.
func (m *MemoryRepository) ListProducts(_ context.Context) ([]model.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := make([]model.Product, 0, len(m.productIDs))
	for i := len(m.productIDs) - 1; i >= 0; i-- {
		res = append(res, *m.products[m.productIDs[i]])
	}
	return res, nil
}

// CreateRedemption сохраняет новый ваучер, проверив баланс и наличие товара,
// и заполняет снимок названия и цены товара. Монеты при создании не списываются.
func (m *MemoryRepository) CreateRedemption(_ context.Context, r *model.Redemption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[r.UserID]
	if !ok {
		return ErrUserNotFound
	}
	p, ok := m.products[r.ProductID]
	if !ok {
		return ErrProductNotFound
	}
	if err := checkCreate(u.Coins, p); err != nil {
		return err
	}

	r.ProductName = p.Name
	r.CoinsSpent = p.PriceInCoins
	c := *r
	m.redemptions[r.ID] = &c
	m.redeemIDs = append(m.redeemIDs, r.ID)
	return nil
}

// GetRedemption возвращает ваучер по идентификатору.
func (m *MemoryRepository) GetRedemption(_ context.Context, id string) (*model.Redemption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.redemptions[id]
	if !ok {
		return nil, ErrRedemptionNotFound
	}
	c := *r
	return &c, nil
}

// ListRedemptionsByUser возвращает ваучеры пользователя, новые первыми.
func (m *MemoryRepository) ListRedemptionsByUser(_ context.Context, userID string) ([]model.Redemption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []model.Redemption
	for i := len(m.redeemIDs) - 1; i >= 0; i-- {
		r := m.redemptions[m.redeemIDs[i]]
		if r.UserID == userID {
			res = append(res, *r)
		}
	}
	return res, nil
}

// ListPendingRedemptions возвращает ожидающие ваучеры, срок действия которых не истёк к моменту now.
func (m *MemoryRepository) ListPendingRedemptions(_ context.Context, now time.Time) ([]model.Redemption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []model.Redemption
	for i := len(m.redeemIDs) - 1; i >= 0; i-- {
		r := m.redemptions[m.redeemIDs[i]]
		if r.Usable(now) {
			res = append(res, *r)
		}
	}
	return res, nil
}

// ConfirmRedemption выдаёт товар по ваучеру: списывает монеты, уменьшает остаток на единицу
// и переводит ваучер в COMPLETED. При невыполненном предусловии состояние не меняется.
func (m *MemoryRepository) ConfirmRedemption(_ context.Context, id, operatorID string, now time.Time) (*model.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.redemptions[id]
	if !ok {
		return nil, ErrRedemptionNotFound
	}
	u, ok := m.users[r.UserID]
	if !ok {
		return nil, ErrUserNotFound
	}
	p, ok := m.products[r.ProductID]
	if !ok {
		if r.Status != model.RedemptionStatusPending {
			return nil, ErrNotPending
		}
		return nil, ErrProductNotFound
	}

	if err := checkConfirm(r, u.Coins, p.Stock, now); err != nil {
		return nil, err
	}

	u.Coins -= r.CoinsSpent
	p.Stock--
	completedAt := now
	r.Status = model.RedemptionStatusCompleted
	r.OperatorID = operatorID
	r.CompletedAt = &completedAt

	return &model.Receipt{
		RedemptionID: r.ID,
		UserID:       u.ID,
		UserName:     u.FullName,
		ProductID:    r.ProductID,
		ProductName:  r.ProductName,
		CoinsSpent:   r.CoinsSpent,
		BalanceAfter: u.Coins,
		OperatorID:   operatorID,
		CompletedAt:  completedAt,
	}, nil
}

// CreatePromotion добавляет баннер.
func (m *MemoryRepository) CreatePromotion(_ context.Context, p *model.Promotion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *p
	m.promotions[p.ID] = &c
	m.promoIDs = append(m.promoIDs, p.ID)
	return nil
}

// UpdatePromotion обновляет баннер.
func (m *MemoryRepository) UpdatePromotion(_ context.Context, p *model.Promotion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.promotions[p.ID]; !ok {
		return ErrPromotionNotFound
	}
	c := *p
	m.promotions[p.ID] = &c
	return nil
}

// DeletePromotion удаляет баннер.
func (m *MemoryRepository) DeletePromotion(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.promotions[id]; !ok {
		return ErrPromotionNotFound
	}
	delete(m.promotions, id)
	m.promoIDs = removeID(m.promoIDs, id)
	return nil
}

// ListPromotions возвращает баннеры, новые первыми.
func (m *MemoryRepository) ListPromotions(_ context.Context) ([]model.Promotion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := make([]model.Promotion, 0, len(m.promoIDs))
	for i := len(m.promoIDs) - 1; i >= 0; i-- {
		res = append(res, *m.promotions[m.promoIDs[i]])
	}
	return res, nil
}

// GetSettings возвращает текущие настройки.
func (m *MemoryRepository) GetSettings(_ context.Context) (*model.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.settings
	return &s, nil
}

// UpdateSettings сохраняет настройки.
func (m *MemoryRepository) UpdateSettings(_ context.Context, s model.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.settings = s
	return nil
}

// GetStats вычисляет сводные показатели.
func (m *MemoryRepository) GetStats(_ context.Context) (*model.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := &model.Stats{TotalWeightKg: decimal.Zero}
	for _, u := range m.users {
		st.Users++
		if u.IsActiveOperator() {
			st.ActiveOperators++
		}
	}
	for _, d := range m.deposits {
		st.Deposits++
		st.TotalWeightKg = st.TotalWeightKg.Add(d.WeightKg)
		st.CoinsCredited += d.CoinsEarned
	}
	for _, r := range m.redemptions {
		if r.Status == model.RedemptionStatusCompleted {
			st.CoinsSpent += r.CoinsSpent
		}
	}
	for _, p := range m.products {
		if p.Stock <= 0 {
			st.ProductsOutOfStock++
		}
	}
	return st, nil
}

// FindLedgerDrift сравнивает кешированный баланс каждого пользователя с историей операций.
func (m *MemoryRepository) FindLedgerDrift(_ context.Context) ([]model.Drift, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expected := make(map[string]int64, len(m.users))
	for _, d := range m.deposits {
		expected[d.UserID] += d.CoinsEarned
	}
	for _, r := range m.redemptions {
		if r.Status == model.RedemptionStatusCompleted {
			expected[r.UserID] -= r.CoinsSpent
		}
	}
	for _, a := range m.adjustments {
		expected[a.UserID] += a.Delta
	}

	var res []model.Drift
	for _, u := range m.users {
		if u.Coins != expected[u.ID] {
			res = append(res, model.Drift{
				UserID:   u.ID,
				Username: u.Username,
				Cached:   u.Coins,
				Expected: expected[u.ID],
			})
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UserID < res[j].UserID })
	return res, nil
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
