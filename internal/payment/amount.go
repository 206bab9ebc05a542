package payment

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// 補助単位の桁数。ここに無い通貨は2桁
var zeroDecimalCurrencies = map[string]int32{
	"jpy": 0,
	"krw": 0,
	"vnd": 0,
	"clp": 0,
	"mga": 0,
	"xof": 0,
	"xaf": 0,
}

func MinorUnitExponent(currency string) int32 {
	if exp, ok := zeroDecimalCurrencies[strings.ToLower(currency)]; ok {
		return exp
	}
	return 2
}

// ToMinorUnits は金額を補助単位の整数にする。
// 端数は偶数丸め（12.345 EUR → 1234）で、切り捨てはしない。
func ToMinorUnits(amount decimal.Decimal, currency string) (int64, error) {
	if !amount.IsPositive() {
		return 0, fmt.Errorf("%w: must be positive, got %s", ErrInvalidAmount, amount.String())
	}
	minor := amount.Shift(MinorUnitExponent(currency)).RoundBank(0)
	if !minor.IsPositive() {
		return 0, fmt.Errorf("%w: %s rounds to zero", ErrInvalidAmount, amount.String())
	}
	if !minor.IsInteger() || minor.GreaterThan(decimal.NewFromInt(1<<53)) {
		return 0, fmt.Errorf("%w: %s out of range", ErrInvalidAmount, amount.String())
	}
	return minor.IntPart(), nil
}

// FromMinorUnits は補助単位から主単位に戻す
func FromMinorUnits(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -MinorUnitExponent(currency))
}
