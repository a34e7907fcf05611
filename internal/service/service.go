// Package service реализует бизнес-логику оформления заказа.
package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/storefront-system/internal/model"
	"github.com/mmeshcher/storefront-system/internal/payment"
	"github.com/mmeshcher/storefront-system/internal/repository"
)

// GuestIdentity записывается в заказ, когда покупатель не аутентифицирован.
const GuestIdentity = "Guest"

// ErrPriceMismatch возвращается, когда заявленная цена позиции расходится с каталогом.
var (
	ErrPriceMismatch = errors.New("price mismatch")
	// ErrPriceVerification возвращается, когда итог клиента расходится с серверным.
	ErrPriceVerification = errors.New("price verification failed")
	// ErrOrderVerification возвращается при несовпадении digest при подтверждении.
	ErrOrderVerification = errors.New("order verification failed")
	// ErrInvalidCredentials возвращается при неверной паре email/пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Допуск расхождения итогов: защищает от шума двоичной арифметики на
// стороне клиента, но не от правки цен.
var totalTolerance = decimal.New(1, -2)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, email string, passwordHash []byte, isAdmin bool) (int64, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	GetProductByID(ctx context.Context, id int64) (*model.Product, error)
	ListProducts(ctx context.Context) ([]model.Product, error)
	CreateOrder(ctx context.Context, uuid, username, digest, salt string) (*model.Order, error)
	GetOrderByUUID(ctx context.Context, uuid string) (*model.Order, error)
	ConfirmOrder(ctx context.Context, uuid string, details *model.OrderDetails) (*model.Order, error)
	DeleteOrder(ctx context.Context, uuid string) error
	GetOrdersByUsername(ctx context.Context, username string, limit int) ([]model.Order, error)
	GetAllOrders(ctx context.Context) ([]model.Order, error)
}

// Processor описывает контракт платёжного процессора, используемый сервисом.
type Processor interface {
	CreateOrder(ctx context.Context, order payment.OrderRequest) (string, error)
}

// Service содержит бизнес-логику оформления и подтверждения заказов.
type Service struct {
	repo      Repository
	processor Processor
	currency  string
}

// NewService создаёт сервис с указанным репозиторием и клиентом процессора.
func NewService(repo Repository, processor Processor, currency string) *Service {
	return &Service{
		repo:      repo,
		processor: processor,
		currency:  currency,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя.
func (s *Service) RegisterUser(ctx context.Context, email, password string) (int64, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}

	id, err := s.repo.CreateUser(ctx, email, hashed, false)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет email и пароль и возвращает пользователя.
func (s *Service) AuthenticateUser(ctx context.Context, email, password string) (*model.User, error) {
	u, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return u, nil
}

// GetUserByID возвращает пользователя по идентификатору.
func (s *Service) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return s.repo.GetUserByID(ctx, id)
}

// GetProductByID возвращает товар каталога.
func (s *Service) GetProductByID(ctx context.Context, id int64) (*model.Product, error) {
	return s.repo.GetProductByID(ctx, id)
}

// ListProducts возвращает каталог товаров.
func (s *Service) ListProducts(ctx context.Context) ([]model.Product, error) {
	return s.repo.ListProducts(ctx)
}

// CreateOrderResult — результат оформления заказа: идентификатор транзакции
// процессора и uuid заказа.
type CreateOrderResult struct {
	ProcessorID string
	OrderUUID   string
}

// CreateOrder сверяет корзину с каталогом, фиксирует заказ и открывает
// транзакцию у процессора. Любая ошибка валидации прерывает оформление до
// появления побочных эффектов: ни строки заказа, ни транзакции не создаётся.
func (s *Service) CreateOrder(ctx context.Context, identity string, items []model.CartItem, clientTotal string) (*CreateOrderResult, error) {
	serverTotal := decimal.Zero
	units := make([]payment.Unit, 0, len(items))
	digestItems := make([]model.OrderDetailsItem, 0, len(items))

	for _, item := range items {
		p, err := s.repo.GetProductByID(ctx, item.ProductID)
		if err != nil {
			return nil, err
		}

		// Цены сравниваются строками с двумя знаками, не плавающей точкой.
		if p.Price.StringFixed(2) != item.UnitPrice {
			return nil, fmt.Errorf("%w: product %d", ErrPriceMismatch, item.ProductID)
		}

		serverTotal = serverTotal.Add(p.Price.Mul(decimal.NewFromInt(item.Quantity)))

		units = append(units, payment.Unit{
			Name:       p.Name,
			Quantity:   strconv.FormatInt(item.Quantity, 10),
			UnitAmount: payment.Amount{CurrencyCode: s.currency, Value: p.Price.StringFixed(2)},
			Category:   "PHYSICAL_GOODS",
		})
		digestItems = append(digestItems, model.OrderDetailsItem{
			Name:     p.Name,
			Quantity: item.Quantity,
		})
	}

	declaredTotal, err := decimal.NewFromString(clientTotal)
	if err != nil {
		return nil, fmt.Errorf("%w: bad total %q", ErrPriceVerification, clientTotal)
	}

	if serverTotal.Sub(declaredTotal).Abs().GreaterThan(totalTolerance) {
		return nil, fmt.Errorf("%w: client %s, server %s",
			ErrPriceVerification, declaredTotal.StringFixed(2), serverTotal.StringFixed(2))
	}

	orderUUID := uuid.NewString()
	salt, err := newSalt()
	if err != nil {
		return nil, err
	}

	digest := ComputeDigest(digestItems, serverTotal.StringFixed(2), identity, salt)

	if _, err := s.repo.CreateOrder(ctx, orderUUID, identity, digest, salt); err != nil {
		return nil, err
	}

	processorID, err := s.processor.CreateOrder(ctx, payment.OrderRequest{
		Amount:    payment.Amount{CurrencyCode: s.currency, Value: serverTotal.StringFixed(2)},
		Items:     units,
		Digest:    digest,
		InvoiceID: orderUUID,
	})
	if err != nil {
		// Компенсирующее действие вместо повтора: создание транзакции
		// не идемпотентно, осиротевший заказ удаляется сразу.
		_ = s.repo.DeleteOrder(ctx, orderUUID)
		return nil, fmt.Errorf("create processor transaction: %w", err)
	}

	return &CreateOrderResult{
		ProcessorID: processorID,
		OrderUUID:   orderUUID,
	}, nil
}

// ConfirmOrder проверяет digest по содержимому подтверждения и записывает
// детали заказа. Повторное подтверждение с тем же содержимым идемпотентно:
// совпадающий digest означает эквивалентную полезную нагрузку.
func (s *Service) ConfirmOrder(ctx context.Context, orderUUID string, details *model.OrderDetails) (*model.Order, error) {
	existing, err := s.repo.GetOrderByUUID(ctx, orderUUID)
	if err != nil {
		return nil, err
	}

	recalculated := ComputeDigest(details.Items, details.Total, existing.Username, existing.Salt)
	if recalculated != existing.Digest {
		return nil, ErrOrderVerification
	}

	updated, err := s.repo.ConfirmOrder(ctx, orderUUID, details)
	if err != nil {
		if errors.Is(err, repository.ErrOrderAlreadyConfirmed) {
			return updated, nil
		}
		return nil, err
	}

	return updated, nil
}

// CancelOrder удаляет заказ. Отмена неизвестного uuid проходит успешно:
// вызов используется и как компенсация после частичного сбоя.
func (s *Service) CancelOrder(ctx context.Context, orderUUID string) error {
	return s.repo.DeleteOrder(ctx, orderUUID)
}

// GetOrdersByUser возвращает последние заказы пользователя.
func (s *Service) GetOrdersByUser(ctx context.Context, identity string, limit int) ([]model.Order, error) {
	return s.repo.GetOrdersByUsername(ctx, identity, limit)
}

// GetAllOrders возвращает все заказы для административного просмотра.
func (s *Service) GetAllOrders(ctx context.Context) ([]model.Order, error) {
	return s.repo.GetAllOrders(ctx)
}

// ComputeDigest вычисляет печать содержимого заказа: позиции в порядке
// подачи, итог, идентичность покупателя и соль сериализуются в каноническую
// строку и хэшируются. Любое изменение позиций или итога меняет digest.
func ComputeDigest(items []model.OrderDetailsItem, total, username, salt string) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		parts = append(parts, fmt.Sprintf("%s:%d", item.Name, item.Quantity))
	}

	canonical := strings.Join(parts, "|") + "|" + total + "|" + username + "|" + salt
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

func newSalt() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
