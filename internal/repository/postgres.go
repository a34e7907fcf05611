// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
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

	"github.com/mmeshcher/storefront-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим email.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrProductNotFound возвращается, если товар отсутствует в каталоге.
	ErrProductNotFound = errors.New("product not found")
	// ErrOrderNotFound возвращается, если заказ с указанным uuid отсутствует.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderAlreadyConfirmed возвращается, если детали заказа уже записаны.
	ErrOrderAlreadyConfirmed = errors.New("order already confirmed")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
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

// withRetry повторяет операцию при временных ошибках БД: сериализация,
// дедлок, обрыв соединения. Ошибки валидации и контекста не повторяются.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
			return err
		}

		if isConnectionError(err) {
			return retry.RetryableError(err)
		}

		return err
	})
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

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, email string, passwordHash []byte, isAdmin bool) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (email, password_hash, is_admin) VALUES ($1, $2, $3) RETURNING id`,
		email, passwordHash, isAdmin,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, email)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByEmail возвращает пользователя по email.
func (r *PostgresRepository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, email, password_hash, is_admin, created_at FROM users WHERE email = $1`,
		email,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.IsAdmin, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, email, password_hash, is_admin, created_at FROM users WHERE id = $1`,
		id,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.IsAdmin, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// GetProductByID возвращает товар каталога по идентификатору.
// Цена читается текстом и разбирается в decimal, чтобы не терять точность.
func (r *PostgresRepository) GetProductByID(ctx context.Context, id int64) (*model.Product, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, slug, price::text, inventory, description, category, image
		 FROM products
		 WHERE id = $1`,
		id,
	)

	var (
		p        model.Product
		priceRaw string
	)
	err := row.Scan(&p.ID, &p.Name, &p.Slug, &priceRaw, &p.Inventory, &p.Description, &p.Category, &p.Image)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrProductNotFound, id)
		}
		return nil, fmt.Errorf("get product: %w", err)
	}

	p.Price, err = decimal.NewFromString(priceRaw)
	if err != nil {
		return nil, fmt.Errorf("parse product price: %w", err)
	}

	return &p, nil
}

// ListProducts возвращает все товары каталога.
func (r *PostgresRepository) ListProducts(ctx context.Context) ([]model.Product, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, slug, price::text, inventory, description, category, image
		 FROM products
		 ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	var products []model.Product
	for rows.Next() {
		var (
			p        model.Product
			priceRaw string
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Slug, &priceRaw, &p.Inventory, &p.Description, &p.Category, &p.Image); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}

		p.Price, err = decimal.NewFromString(priceRaw)
		if err != nil {
			return nil, fmt.Errorf("parse product price: %w", err)
		}

		products = append(products, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return products, nil
}

// CreateOrder сохраняет ожидающий оплаты заказ: детали остаются пустыми до подтверждения.
func (r *PostgresRepository) CreateOrder(ctx context.Context, uuid, username, digest, salt string) (*model.Order, error) {
	var o model.Order

	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`INSERT INTO orders (uuid, username, digest, salt)
			 VALUES ($1, $2, $3, $4)
			 RETURNING id, uuid, username, digest, salt, created_at, updated_at`,
			uuid, username, digest, salt,
		).Scan(&o.ID, &o.UUID, &o.Username, &o.Digest, &o.Salt, &o.CreatedAt, &o.UpdatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	return &o, nil
}

// GetOrderByUUID возвращает заказ по uuid.
func (r *PostgresRepository) GetOrderByUUID(ctx context.Context, uuid string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, uuid, username, digest, salt, order_details, created_at, updated_at
		 FROM orders
		 WHERE uuid = $1`,
		uuid,
	)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	return o, nil
}

// ConfirmOrder записывает детали заказа условным обновлением: запись меняется,
// только пока детали пусты. Исчезнувшая строка и повторное подтверждение
// различаются по результату повторной выборки.
func (r *PostgresRepository) ConfirmOrder(ctx context.Context, uuid string, details *model.OrderDetails) (*model.Order, error) {
	payload, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("marshal order details: %w", err)
	}

	var tag pgconn.CommandTag
	err = r.withRetry(ctx, func() error {
		var execErr error
		tag, execErr = r.pool.Exec(ctx,
			`UPDATE orders
			 SET order_details = $2, updated_at = now()
			 WHERE uuid = $1 AND order_details IS NULL`,
			uuid, payload,
		)
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("confirm order: %w", err)
	}

	if tag.RowsAffected() == 0 {
		existing, getErr := r.GetOrderByUUID(ctx, uuid)
		if getErr != nil {
			return nil, getErr
		}
		return existing, ErrOrderAlreadyConfirmed
	}

	return r.GetOrderByUUID(ctx, uuid)
}

// DeleteOrder удаляет заказ. Удаление отсутствующего uuid не считается
// ошибкой: отмена используется и как компенсирующее действие.
func (r *PostgresRepository) DeleteOrder(ctx context.Context, uuid string) error {
	err := r.withRetry(ctx, func() error {
		_, execErr := r.pool.Exec(ctx, `DELETE FROM orders WHERE uuid = $1`, uuid)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("delete order: %w", err)
	}
	return nil
}

// GetOrdersByUsername возвращает последние заказы пользователя.
func (r *PostgresRepository) GetOrdersByUsername(ctx context.Context, username string, limit int) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, uuid, username, digest, salt, order_details, created_at, updated_at
		 FROM orders
		 WHERE username = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		username, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

// GetAllOrders возвращает все заказы, новые первыми.
func (r *PostgresRepository) GetAllOrders(ctx context.Context) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, uuid, username, digest, salt, order_details, created_at, updated_at
		 FROM orders
		 ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

func collectOrders(rows pgx.Rows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o          model.Order
		detailsRaw []byte
	)

	err := row.Scan(&o.ID, &o.UUID, &o.Username, &o.Digest, &o.Salt, &detailsRaw, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if detailsRaw != nil {
		var details model.OrderDetails
		// Детали пишутся каноническим json.Marshal; повреждённое содержимое — жёсткая ошибка.
		if err := json.Unmarshal(detailsRaw, &details); err != nil {
			return nil, fmt.Errorf("parse order details: %w", err)
		}
		o.Details = &details
	}

	return &o, nil
}
