// Package validation содержит функции валидации входных данных.
package validation

import (
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/storefront-system/internal/model"
)

// IsValidPriceString проверяет, что строка является неотрицательной
// десятичной суммой не более чем с двумя знаками после запятой.
func IsValidPriceString(value string) bool {
	if value == "" {
		return false
	}

	d, err := decimal.NewFromString(value)
	if err != nil {
		return false
	}

	if d.IsNegative() {
		return false
	}

	return d.Exponent() >= -2
}

// IsValidCart проверяет строки корзины перед сверкой с каталогом:
// положительные идентификаторы и количества, корректные строки цен.
func IsValidCart(items []model.CartItem) bool {
	if len(items) == 0 {
		return false
	}

	for _, item := range items {
		if item.ProductID <= 0 {
			return false
		}
		if item.Quantity <= 0 {
			return false
		}
		if !IsValidPriceString(item.UnitPrice) {
			return false
		}
	}

	return true
}
