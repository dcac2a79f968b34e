package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/ecokoin/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
// Изменения баланса и остатков выполняются в транзакциях с блокировкой строк
// в порядке ваучер → пользователь → товар.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет транзакцию при конфликте сериализации, дедлоке или обрыве соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(100*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

const userColumns = `id, username, full_name, email, phone, address, password_hash, role, coins,
	operator_status, tpst_location, identity_match, identity_score, created_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var (
		u        model.User
		role     string
		opStatus *string
		location *string
		match    bool
		score    int
	)
	err := row.Scan(&u.ID, &u.Username, &u.FullName, &u.Email, &u.Phone, &u.Address, &u.PasswordHash,
		&role, &u.Coins, &opStatus, &location, &match, &score, &u.CreatedAt)
	if err != nil {
		return nil, err
	}

	u.Role = model.Role(role)
	if opStatus != nil {
		u.Operator = &model.OperatorDetails{
			Status:        model.OperatorStatus(*opStatus),
			IdentityMatch: match,
			IdentityScore: score,
		}
		if location != nil {
			u.Operator.TPSTLocation = *location
		}
	}
	return &u, nil
}

const insertUserSQL = `INSERT INTO users (id, username, full_name, email, phone, address, password_hash, role, coins,
	operator_status, tpst_location, identity_match, identity_score, created_at)
 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

func insertUser(ctx context.Context, q interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}, u *model.User, coins int64) error {
	var (
		opStatus *string
		location *string
		match    bool
		score    int
	)
	if u.Operator != nil {
		s := string(u.Operator.Status)
		opStatus = &s
		location = &u.Operator.TPSTLocation
		match = u.Operator.IdentityMatch
		score = u.Operator.IdentityScore
	}

	_, err := q.Exec(ctx, insertUserSQL,
		u.ID, strings.ToUpper(u.Username), u.FullName, u.Email, u.Phone, u.Address, u.PasswordHash,
		string(u.Role), coins, opStatus, location, match, score, u.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrUserExists, u.Username)
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// CreateUser создаёт нового пользователя с нулевым балансом.
func (r *PostgresRepository) CreateUser(ctx context.Context, u *model.User) error {
	return insertUser(ctx, r.pool, u, 0)
}

// CreateUserWithBalance создаёт пользователя и записывает начальный баланс
// в журнал корректировок одной транзакцией.
func (r *PostgresRepository) CreateUserWithBalance(ctx context.Context, u *model.User, opening model.Adjustment) error {
	if opening.Delta < 0 {
		return ErrInsufficientBalance
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertUser(ctx, tx, u, opening.Delta); err != nil {
		return err
	}

	if opening.Delta > 0 {
		_, err = tx.Exec(ctx,
			`INSERT INTO coin_adjustments (id, user_id, admin_id, delta, reason, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			opening.ID, u.ID, opening.AdminID, opening.Delta, opening.Reason, opening.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert opening adjustment: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetUserByUsername возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`,
		strings.ToUpper(username),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// GetUserByEmail возвращает самого раннего пользователя с указанным email (без учёта регистра).
func (r *PostgresRepository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE email <> '' AND LOWER(email) = LOWER($1)
		 ORDER BY created_at, id
		 LIMIT 1`,
		email,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

func (r *PostgresRepository) queryUsers(ctx context.Context, sql string, args ...any) ([]model.User, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("select users: %w", err)
	}
	defer rows.Close()

	var res []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		res = append(res, *u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchUsers ищет пользователей с ролью USER по подстроке имени (без учёта регистра)
// или телефона. Результат упорядочен по имени.
func (r *PostgresRepository) SearchUsers(ctx context.Context, query string, limit int) ([]model.User, error) {
	pattern := "%" + likeEscaper.Replace(query) + "%"
	return r.queryUsers(ctx,
		`SELECT `+userColumns+`
		 FROM users
		 WHERE role = $1 AND (full_name ILIKE $2 OR phone LIKE $2)
		 ORDER BY full_name, id
		 LIMIT $3`,
		string(model.RoleUser), pattern, limit,
	)
}

// UpdateProfile меняет контактные данные пользователя.
func (r *PostgresRepository) UpdateProfile(ctx context.Context, id string, p model.Profile) (*model.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx,
		`UPDATE users SET full_name = $2, phone = $3, address = $4 WHERE id = $1
		 RETURNING `+userColumns,
		id, p.FullName, p.Phone, p.Address,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("update profile: %w", err)
	}
	return u, nil
}

// UpdatePassword заменяет хеш пароля.
func (r *PostgresRepository) UpdatePassword(ctx context.Context, id string, hash []byte) error {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET password_hash = $2 WHERE id = $1`, id, hash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SavePasswordReset сохраняет код сброса пароля, заменяя предыдущий.
func (r *PostgresRepository) SavePasswordReset(ctx context.Context, pr model.PasswordReset) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO password_resets (user_id, code_hash, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET code_hash = EXCLUDED.code_hash, expires_at = EXCLUDED.expires_at`,
		pr.UserID, pr.CodeHash, pr.ExpiresAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return ErrUserNotFound
		}
		return fmt.Errorf("save password reset: %w", err)
	}
	return nil
}

// GetPasswordReset возвращает действующий запрос на сброс пароля.
func (r *PostgresRepository) GetPasswordReset(ctx context.Context, userID string) (*model.PasswordReset, error) {
	pr := model.PasswordReset{UserID: userID}
	err := r.pool.QueryRow(ctx,
		`SELECT code_hash, expires_at FROM password_resets WHERE user_id = $1`,
		userID,
	).Scan(&pr.CodeHash, &pr.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrResetNotFound
		}
		return nil, fmt.Errorf("get password reset: %w", err)
	}
	return &pr, nil
}

// CompletePasswordReset заменяет хеш пароля и удаляет запрос на сброс одной транзакцией.
func (r *PostgresRepository) CompletePasswordReset(ctx context.Context, userID string, hash []byte) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM password_resets WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete password reset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrResetNotFound
	}

	if _, err := tx.Exec(ctx, `UPDATE users SET password_hash = $2 WHERE id = $1`, userID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ListOperators возвращает операторов и заявителей с указанным статусом или всех, если статус пуст.
func (r *PostgresRepository) ListOperators(ctx context.Context, status model.OperatorStatus) ([]model.User, error) {
	return r.queryUsers(ctx,
		`SELECT `+userColumns+`
		 FROM users
		 WHERE operator_status IS NOT NULL AND ($1 = '' OR operator_status = $1)
		 ORDER BY created_at DESC`,
		string(status),
	)
}

// UpdateOperatorStatus меняет статус допуска оператора. Одобренный заявитель получает роль OPERATOR.
func (r *PostgresRepository) UpdateOperatorStatus(ctx context.Context, id string, status model.OperatorStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE users
		 SET operator_status = $2,
		     role = CASE WHEN $2 = $3 THEN $4 ELSE role END
		 WHERE id = $1 AND operator_status IS NOT NULL`,
		id, string(status), string(model.OperatorStatusActive), string(model.RoleOperator),
	)
	if err != nil {
		return fmt.Errorf("update operator status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ApplyOperator сохраняет заявку пользователя на роль оператора в статусе PENDING.
// До одобрения пользователь сохраняет роль USER.
func (r *PostgresRepository) ApplyOperator(ctx context.Context, id string, app model.OperatorApplication) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		u, err := scanUser(tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUserNotFound
			}
			return fmt.Errorf("lock user for update: %w", err)
		}
		if err := canApply(u); err != nil {
			return err
		}

		phone := u.Phone
		if app.Phone != "" {
			phone = app.Phone
		}

		_, err = tx.Exec(ctx,
			`UPDATE users
			 SET phone = $2, operator_status = $3, tpst_location = $4, identity_match = $5, identity_score = $6
			 WHERE id = $1`,
			id, phone, string(model.OperatorStatusPending), app.Details.TPSTLocation,
			app.Details.IdentityMatch, app.Details.IdentityScore,
		)
		if err != nil {
			return fmt.Errorf("apply operator: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

func lockUserCoins(ctx context.Context, tx pgx.Tx, userID string) (int64, error) {
	var coins int64
	err := tx.QueryRow(ctx, `SELECT coins FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&coins)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("lock user for update: %w", err)
	}
	return coins, nil
}

// credit начисляет монеты. Строка пользователя должна быть заблокирована вызывающим,
// поэтому отсутствие обновлённой строки означает переполнение.
func credit(ctx context.Context, tx pgx.Tx, userID string, amount int64) (int64, error) {
	var coins int64
	err := tx.QueryRow(ctx,
		`UPDATE users SET coins = coins + $2
		 WHERE id = $1 AND coins <= $3::bigint - $2::bigint
		 RETURNING coins`,
		userID, amount, int64(math.MaxInt64),
	).Scan(&coins)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrBalanceOverflow
		}
		return 0, fmt.Errorf("credit coins: %w", err)
	}
	return coins, nil
}

func debit(ctx context.Context, tx pgx.Tx, userID string, amount int64) (int64, error) {
	var coins int64
	err := tx.QueryRow(ctx,
		`UPDATE users SET coins = coins - $2 WHERE id = $1 AND coins >= $2 RETURNING coins`,
		userID, amount,
	).Scan(&coins)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrInsufficientBalance
		}
		return 0, fmt.Errorf("debit coins: %w", err)
	}
	return coins, nil
}

// AdjustBalance начисляет (delta > 0) или списывает (delta < 0) монеты и записывает корректировку в журнал.
// Начисление неизвестному пользователю ничего не делает.
func (r *PostgresRepository) AdjustBalance(ctx context.Context, adj model.Adjustment) (int64, error) {
	var balance int64

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		current, err := lockUserCoins(ctx, tx, adj.UserID)
		if err != nil {
			if errors.Is(err, ErrUserNotFound) && adj.Delta >= 0 {
				balance = 0
				return nil
			}
			return err
		}

		if err := checkCredit(current, adj.Delta); err != nil {
			return err
		}

		switch {
		case adj.Delta > 0:
			balance, err = credit(ctx, tx, adj.UserID, adj.Delta)
		case adj.Delta < 0:
			balance, err = debit(ctx, tx, adj.UserID, -adj.Delta)
		default:
			balance = current
		}
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO coin_adjustments (id, user_id, admin_id, delta, reason, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			adj.ID, adj.UserID, adj.AdminID, adj.Delta, adj.Reason, adj.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert adjustment: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})

	return balance, err
}

// RecordDeposit сохраняет запись о сдаче отходов и начисляет монеты в одной транзакции.
func (r *PostgresRepository) RecordDeposit(ctx context.Context, d *model.Deposit) (int64, error) {
	var balance int64

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		current, err := lockUserCoins(ctx, tx, d.UserID)
		if err != nil {
			return err
		}
		if err := checkCredit(current, d.CoinsEarned); err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO deposits (id, user_id, user_name, operator_id, weight_kg, coins_earned, location, created_at)
			 VALUES ($1, $2, $3, $4, $5::text::numeric, $6, $7, $8)`,
			d.ID, d.UserID, d.UserName, d.OperatorID, d.WeightKg.String(), d.CoinsEarned, d.Location, d.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert deposit: %w", err)
		}

		balance, err = credit(ctx, tx, d.UserID, d.CoinsEarned)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})

	return balance, err
}

func (r *PostgresRepository) queryDeposits(ctx context.Context, sql string, args ...any) ([]model.Deposit, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("select deposits: %w", err)
	}
	defer rows.Close()

	var res []model.Deposit
	for rows.Next() {
		var (
			d      model.Deposit
			weight string
		)
		if err := rows.Scan(&d.ID, &d.UserID, &d.UserName, &d.OperatorID, &weight, &d.CoinsEarned, &d.Location, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan deposit: %w", err)
		}
		d.WeightKg, err = decimal.NewFromString(weight)
		if err != nil {
			return nil, fmt.Errorf("parse weight: %w", err)
		}
		res = append(res, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListDepositsByUser возвращает историю сдачи отходов пользователя, новые первыми.
func (r *PostgresRepository) ListDepositsByUser(ctx context.Context, userID string) ([]model.Deposit, error) {
	return r.queryDeposits(ctx,
		`SELECT id, user_id, user_name, operator_id, weight_kg::text, coins_earned, location, created_at
		 FROM deposits
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
}

// ListDeposits возвращает последние limit записей о сдаче отходов.
func (r *PostgresRepository) ListDeposits(ctx context.Context, limit int) ([]model.Deposit, error) {
	return r.queryDeposits(ctx,
		`SELECT id, user_id, user_name, operator_id, weight_kg::text, coins_earned, location, created_at
		 FROM deposits
		 ORDER BY created_at DESC
		 LIMIT $1`,
		limit,
	)
}

// CreateProduct добавляет товар.
func (r *PostgresRepository) CreateProduct(ctx context.Context, p *model.Product) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO products (id, name, description, price_in_coins, stock, image) VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.Name, p.Description, p.PriceInCoins, p.Stock, p.Image,
	)
	if err != nil {
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

// UpdateProduct обновляет товар.
func (r *PostgresRepository) UpdateProduct(ctx context.Context, p *model.Product) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE products SET name = $2, description = $3, price_in_coins = $4, stock = $5, image = $6 WHERE id = $1`,
		p.ID, p.Name, p.Description, p.PriceInCoins, p.Stock, p.Image,
	)
	if err != nil {
		return fmt.Errorf("update product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}

// DeleteProduct удаляет товар. Ваучеры сохраняют снимок названия и цены.
func (r *PostgresRepository) DeleteProduct(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}

// GetProduct возвращает товар по идентификатору.
func (r *PostgresRepository) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	var p model.Product
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, description, price_in_coins, stock, image FROM products WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Name, &p.Description, &p.PriceInCoins, &p.Stock, &p.Image)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	return &p, nil
}

// ListProducts возвращает каталог, новые товары первыми.
func (r *PostgresRepository) ListProducts(ctx context.Context) ([]model.Product, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, description, price_in_coins, stock, image FROM products ORDER BY created_at DESC, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	var res []model.Product
	for rows.Next() {
		var p model.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.PriceInCoins, &p.Stock, &p.Image); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateRedemption сохраняет новый ваучер, проверив баланс и наличие товара под блокировкой,
// и заполняет снимок названия и цены товара. Монеты при создании не списываются.
func (r *PostgresRepository) CreateRedemption(ctx context.Context, rd *model.Redemption) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		balance, err := lockUserCoins(ctx, tx, rd.UserID)
		if err != nil {
			return err
		}

		var p model.Product
		err = tx.QueryRow(ctx,
			`SELECT id, name, price_in_coins, stock FROM products WHERE id = $1 FOR SHARE`,
			rd.ProductID,
		).Scan(&p.ID, &p.Name, &p.PriceInCoins, &p.Stock)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrProductNotFound
			}
			return fmt.Errorf("lock product: %w", err)
		}

		if err := checkCreate(balance, &p); err != nil {
			return err
		}

		rd.ProductName = p.Name
		rd.CoinsSpent = p.PriceInCoins

		_, err = tx.Exec(ctx,
			`INSERT INTO redemptions (id, user_id, product_id, product_name, coins_spent, created_at, expires_at, status, scan_code)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			rd.ID, rd.UserID, rd.ProductID, rd.ProductName, rd.CoinsSpent, rd.CreatedAt, rd.ExpiresAt,
			string(rd.Status), rd.ScanCode,
		)
		if err != nil {
			return fmt.Errorf("insert redemption: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

const redemptionColumns = `id, user_id, product_id, product_name, coins_spent, created_at, expires_at,
	status, scan_code, operator_id, completed_at`

func scanRedemption(row pgx.Row) (*model.Redemption, error) {
	var (
		rd         model.Redemption
		status     string
		operatorID *string
	)
	err := row.Scan(&rd.ID, &rd.UserID, &rd.ProductID, &rd.ProductName, &rd.CoinsSpent, &rd.CreatedAt,
		&rd.ExpiresAt, &status, &rd.ScanCode, &operatorID, &rd.CompletedAt)
	if err != nil {
		return nil, err
	}
	rd.Status = model.RedemptionStatus(status)
	if operatorID != nil {
		rd.OperatorID = *operatorID
	}
	return &rd, nil
}

func (r *PostgresRepository) queryRedemptions(ctx context.Context, sql string, args ...any) ([]model.Redemption, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("select redemptions: %w", err)
	}
	defer rows.Close()

	var res []model.Redemption
	for rows.Next() {
		rd, err := scanRedemption(rows)
		if err != nil {
			return nil, fmt.Errorf("scan redemption: %w", err)
		}
		res = append(res, *rd)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetRedemption возвращает ваучер по идентификатору.
func (r *PostgresRepository) GetRedemption(ctx context.Context, id string) (*model.Redemption, error) {
	rd, err := scanRedemption(r.pool.QueryRow(ctx,
		`SELECT `+redemptionColumns+` FROM redemptions WHERE id = $1`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRedemptionNotFound
		}
		return nil, fmt.Errorf("get redemption: %w", err)
	}
	return rd, nil
}

// ListRedemptionsByUser возвращает ваучеры пользователя, новые первыми.
func (r *PostgresRepository) ListRedemptionsByUser(ctx context.Context, userID string) ([]model.Redemption, error) {
	return r.queryRedemptions(ctx,
		`SELECT `+redemptionColumns+`
		 FROM redemptions
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
}

// ListPendingRedemptions возвращает ожидающие ваучеры, срок действия которых не истёк к моменту now.
func (r *PostgresRepository) ListPendingRedemptions(ctx context.Context, now time.Time) ([]model.Redemption, error) {
	return r.queryRedemptions(ctx,
		`SELECT `+redemptionColumns+`
		 FROM redemptions
		 WHERE status = $1 AND expires_at >= $2
		 ORDER BY created_at DESC`,
		string(model.RedemptionStatusPending), now,
	)
}

// ConfirmRedemption выдаёт товар по ваучеру: списывает монеты, уменьшает остаток на единицу
// и переводит ваучер в COMPLETED. Предусловия проверяются под блокировкой строк, поэтому два
// параллельных подтверждения не могут оба забрать последнюю единицу товара.
func (r *PostgresRepository) ConfirmRedemption(ctx context.Context, id, operatorID string, now time.Time) (*model.Receipt, error) {
	var receipt *model.Receipt

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		rd, err := scanRedemption(tx.QueryRow(ctx,
			`SELECT `+redemptionColumns+` FROM redemptions WHERE id = $1 FOR UPDATE`,
			id,
		))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrRedemptionNotFound
			}
			return fmt.Errorf("lock redemption: %w", err)
		}

		var (
			balance  int64
			fullName string
		)
		err = tx.QueryRow(ctx,
			`SELECT coins, full_name FROM users WHERE id = $1 FOR UPDATE`,
			rd.UserID,
		).Scan(&balance, &fullName)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUserNotFound
			}
			return fmt.Errorf("lock user for update: %w", err)
		}

		var stock int64
		err = tx.QueryRow(ctx,
			`SELECT stock FROM products WHERE id = $1 FOR UPDATE`,
			rd.ProductID,
		).Scan(&stock)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				if rd.Status != model.RedemptionStatusPending {
					return ErrNotPending
				}
				return ErrProductNotFound
			}
			return fmt.Errorf("lock product for update: %w", err)
		}

		if err := checkConfirm(rd, balance, stock, now); err != nil {
			return err
		}

		balanceAfter, err := debit(ctx, tx, rd.UserID, rd.CoinsSpent)
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx,
			`UPDATE products SET stock = stock - 1 WHERE id = $1 AND stock > 0`,
			rd.ProductID,
		)
		if err != nil {
			return fmt.Errorf("decrement stock: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrOutOfStock
		}

		_, err = tx.Exec(ctx,
			`UPDATE redemptions SET status = $2, operator_id = $3, completed_at = $4 WHERE id = $1`,
			rd.ID, string(model.RedemptionStatusCompleted), operatorID, now,
		)
		if err != nil {
			return fmt.Errorf("complete redemption: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		receipt = &model.Receipt{
			RedemptionID: rd.ID,
			UserID:       rd.UserID,
			UserName:     fullName,
			ProductID:    rd.ProductID,
			ProductName:  rd.ProductName,
			CoinsSpent:   rd.CoinsSpent,
			BalanceAfter: balanceAfter,
			OperatorID:   operatorID,
			CompletedAt:  now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return receipt, nil
}

// CreatePromotion добавляет баннер.
func (r *PostgresRepository) CreatePromotion(ctx context.Context, p *model.Promotion) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO promotions (id, title, image, link) VALUES ($1, $2, $3, $4)`,
		p.ID, p.Title, p.Image, p.Link,
	)
	if err != nil {
		return fmt.Errorf("insert promotion: %w", err)
	}
	return nil
}

// UpdatePromotion обновляет баннер.
func (r *PostgresRepository) UpdatePromotion(ctx context.Context, p *model.Promotion) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE promotions SET title = $2, image = $3, link = $4 WHERE id = $1`,
		p.ID, p.Title, p.Image, p.Link,
	)
	if err != nil {
		return fmt.Errorf("update promotion: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPromotionNotFound
	}
	return nil
}

// DeletePromotion удаляет баннер.
func (r *PostgresRepository) DeletePromotion(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM promotions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete promotion: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPromotionNotFound
	}
	return nil
}

// ListPromotions возвращает баннеры, новые первыми.
func (r *PostgresRepository) ListPromotions(ctx context.Context) ([]model.Promotion, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, title, image, link FROM promotions ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("select promotions: %w", err)
	}
	defer rows.Close()

	var res []model.Promotion
	for rows.Next() {
		var p model.Promotion
		if err := rows.Scan(&p.ID, &p.Title, &p.Image, &p.Link); err != nil {
			return nil, fmt.Errorf("scan promotion: %w", err)
		}
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetSettings возвращает текущие настройки.
func (r *PostgresRepository) GetSettings(ctx context.Context) (*model.Settings, error) {
	var rate string
	err := r.pool.QueryRow(ctx, `SELECT coin_conversion_rate::text FROM settings WHERE id = 1`).Scan(&rate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &model.Settings{CoinConversionRate: model.DefaultConversionRate}, nil
		}
		return nil, fmt.Errorf("get settings: %w", err)
	}

	d, err := decimal.NewFromString(rate)
	if err != nil {
		return nil, fmt.Errorf("parse conversion rate: %w", err)
	}
	return &model.Settings{CoinConversionRate: d}, nil
}

// UpdateSettings сохраняет настройки.
func (r *PostgresRepository) UpdateSettings(ctx context.Context, s model.Settings) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO settings (id, coin_conversion_rate) VALUES (1, $1::text::numeric)
		 ON CONFLICT (id) DO UPDATE SET coin_conversion_rate = EXCLUDED.coin_conversion_rate`,
		s.CoinConversionRate.String(),
	)
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	return nil
}

// GetStats вычисляет сводные показатели.
func (r *PostgresRepository) GetStats(ctx context.Context) (*model.Stats, error) {
	var (
		st     model.Stats
		weight string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM users WHERE role = $1 AND operator_status = $2),
			(SELECT COUNT(*) FROM deposits),
			(SELECT COALESCE(SUM(weight_kg), 0)::text FROM deposits),
			(SELECT COALESCE(SUM(coins_earned), 0)::bigint FROM deposits),
			(SELECT COALESCE(SUM(coins_spent), 0)::bigint FROM redemptions WHERE status = $3),
			(SELECT COUNT(*) FROM products WHERE stock <= 0)`,
		string(model.RoleOperator), string(model.OperatorStatusActive), string(model.RedemptionStatusCompleted),
	).Scan(&st.Users, &st.ActiveOperators, &st.Deposits, &weight, &st.CoinsCredited, &st.CoinsSpent, &st.ProductsOutOfStock)
	if err != nil {
		return nil, fmt.Errorf("select stats: %w", err)
	}

	st.TotalWeightKg, err = decimal.NewFromString(weight)
	if err != nil {
		return nil, fmt.Errorf("parse total weight: %w", err)
	}
	return &st, nil
}

// FindLedgerDrift сравнивает кешированный баланс каждого пользователя с историей операций.
func (r *PostgresRepository) FindLedgerDrift(ctx context.Context) ([]model.Drift, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, username, coins, expected FROM (
			SELECT u.id, u.username, u.coins,
				(COALESCE((SELECT SUM(d.coins_earned) FROM deposits d WHERE d.user_id = u.id), 0)
				 - COALESCE((SELECT SUM(rd.coins_spent) FROM redemptions rd WHERE rd.user_id = u.id AND rd.status = $1), 0)
				 + COALESCE((SELECT SUM(a.delta) FROM coin_adjustments a WHERE a.user_id = u.id), 0))::bigint AS expected
			FROM users u
		 ) ledger
		 WHERE coins <> expected
		 ORDER BY id`,
		string(model.RedemptionStatusCompleted),
	)
	if err != nil {
		return nil, fmt.Errorf("select ledger drift: %w", err)
	}
	defer rows.Close()

	var res []model.Drift
	for rows.Next() {
		var d model.Drift
		if err := rows.Scan(&d.UserID, &d.Username, &d.Cached, &d.Expected); err != nil {
			return nil, fmt.Errorf("scan drift: %w", err)
		}
		res = append(res, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
