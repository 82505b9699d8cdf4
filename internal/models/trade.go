package models

import (
	"fmt"
	"math"
)

// Trade is a single executed trade as read from an exchange trade dump.
type Trade struct {
	Timestamp    int64   `json:"time"`
	Price        float64 `json:"price"`
	Quantity     float64 `json:"qty"`
	BuyerIsMaker bool    `json:"is_buyer_maker"`
}

// IsBuyerAggressor reports whether the buyer took liquidity in this trade.
func (t Trade) IsBuyerAggressor() bool {
	return !t.BuyerIsMaker
}

// Validate checks that price and quantity are finite and positive.
func (t Trade) Validate() error {
	if math.IsNaN(t.Price) || math.IsInf(t.Price, 0) {
		return &ValidationError{Field: "price", Message: "price must be a finite number"}
	}
	if t.Price <= 0 {
		return &ValidationError{Field: "price", Message: fmt.Sprintf("price must be greater than 0, got %g", t.Price)}
	}
	if math.IsNaN(t.Quantity) || math.IsInf(t.Quantity, 0) {
		return &ValidationError{Field: "qty", Message: "quantity must be a finite number"}
	}
	if t.Quantity <= 0 {
		return &ValidationError{Field: "qty", Message: fmt.Sprintf("quantity must be greater than 0, got %g", t.Quantity)}
	}
	return nil
}
