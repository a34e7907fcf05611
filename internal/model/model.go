// Package model содержит доменные сущности витрины магазина.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User представляет зарегистрированного пользователя магазина.
type User struct {
	ID           int64
	Email        string
	PasswordHash []byte
	IsAdmin      bool
	CreatedAt    time.Time
}

// Product описывает товар каталога. Цена хранится в decimal,
// чтобы сравнение с клиентскими значениями не зависело от плавающей точки.
type Product struct {
	ID          int64
	Name        string
	Slug        string
	Price       decimal.Decimal
	Inventory   int64
	Description string
	Category    string
	Image       string
}

// CartItem — строка корзины, присланная клиентом. Данные не являются
// доверенными: цена и итог перепроверяются по каталогу перед созданием заказа.
type CartItem struct {
	ProductID int64  `json:"id"`
	Quantity  int64  `json:"quantity"`
	UnitPrice string `json:"unit_price"`
}

// OrderDetailsItem — позиция подтверждённого заказа.
type OrderDetailsItem struct {
	Name     string `json:"name"`
	Quantity int64  `json:"quantity"`
}

// OrderDetails — итоговое содержимое заказа, записываемое после успешной оплаты.
type OrderDetails struct {
	Items    []OrderDetailsItem `json:"items"`
	Total    string             `json:"total"`
	Currency string             `json:"currency"`
}

// Order описывает заказ. Пока Details == nil, заказ считается ожидающим оплаты;
// digest и salt фиксируют содержимое заказа на момент создания.
type Order struct {
	ID        int64
	UUID      string
	Username  string
	Digest    string
	Salt      string
	Details   *OrderDetails
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Pending сообщает, что заказ ещё не подтверждён.
func (o *Order) Pending() bool {
	return o.Details == nil
}
