package payment

import (
	"strings"

	"github.com/shopspring/decimal"
)

// currencyExponents lists ISO-4217 currencies whose minor unit is not 1/100
var currencyExponents = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"ISK": 0,
	"BHD": 3,
	"KWD": 3,
	"OMR": 3,
	"TND": 3,
}

// Exponent returns the number of decimal places of currency
func Exponent(currency string) int32 {
	if exp, ok := currencyExponents[strings.ToUpper(currency)]; ok {
		return exp
	}
	return 2
}

// DisplayAmount renders minor units as a major-unit decimal string. Used for
// presentation only; arithmetic stays on int64 minor units.
func DisplayAmount(minorUnits int64, currency string) string {
	exp := Exponent(currency)
	return decimal.New(minorUnits, -exp).StringFixed(exp)
}
