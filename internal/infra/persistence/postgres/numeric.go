package postgres

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// numericFromDecimal converts a decimal into a pgtype.Numeric value.
func numericFromDecimal(value decimal.Decimal) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	if err := out.Scan(value.String()); err != nil {
		return out, fmt.Errorf("parse numeric %q: %w", value.String(), err)
	}
	return out, nil
}

// numericFromOptional maps zero to NULL.
func numericFromOptional(value decimal.Decimal) (pgtype.Numeric, error) {
	if value.IsZero() {
		return pgtype.Numeric{}, nil
	}
	return numericFromDecimal(value)
}

// decimalFromText parses a numeric column selected as text. NULL and blank map to zero.
func decimalFromText(value *string) (decimal.Decimal, error) {
	if value == nil {
		return decimal.Zero, nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return decimal.Zero, nil
	}
	out, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse decimal %q: %w", trimmed, err)
	}
	return out, nil
}

func nullableString(value string) any {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return trimmed
}
