package services

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// RateProvider prices one unit of from in units of to.
type RateProvider interface {
	Rate(from, to string) (decimal.Decimal, error)
}

// DefaultRatePairs seeds the static provider when none are configured.
const DefaultRatePairs = "USD/DOP=57.14,DOP/USD=0.0175"

const inverseRatePlaces = 6

// StaticRates answers from a fixed table. Same-currency pairs are 1 and a
// missing direct pair falls back to the inverse of the opposite pair.
type StaticRates struct {
	rates map[string]decimal.Decimal
}

func NewStaticRates(rates map[string]decimal.Decimal) *StaticRates {
	table := make(map[string]decimal.Decimal, len(rates))
	for pair, rate := range rates {
		table[strings.ToUpper(strings.TrimSpace(pair))] = rate
	}
	return &StaticRates{rates: table}
}

// ParseRatePairs reads "SRC/TGT=rate" items separated by commas.
func ParseRatePairs(raw string) (map[string]decimal.Decimal, error) {
	rates := make(map[string]decimal.Decimal)
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		pair, value, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("rate %q: expected SRC/TGT=rate", item)
		}
		from, to, ok := strings.Cut(strings.TrimSpace(pair), "/")
		if !ok || len(from) != 3 || len(to) != 3 {
			return nil, fmt.Errorf("rate %q: invalid currency pair", item)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("rate %q: %w", item, err)
		}
		if !rate.IsPositive() {
			return nil, fmt.Errorf("rate %q: must be positive", item)
		}
		rates[pairKey(from, to)] = rate
	}
	return rates, nil
}

func (r *StaticRates) Rate(from, to string) (decimal.Decimal, error) {
	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	if rate, ok := r.rates[pairKey(from, to)]; ok {
		return rate, nil
	}
	if inverse, ok := r.rates[pairKey(to, from)]; ok && !inverse.IsZero() {
		return decimal.NewFromInt(1).DivRound(inverse, inverseRatePlaces), nil
	}
	return decimal.Decimal{}, &Error{
		Code:    CodeFxRateUnavailable,
		Message: fmt.Sprintf("FX rate not available for %s.", pairKey(from, to)),
	}
}

func pairKey(from, to string) string {
	return strings.ToUpper(from) + "/" + strings.ToUpper(to)
}
