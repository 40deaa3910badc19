package money

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Zatoshi is an amount of ZEC in atomic units (1 ZEC = 10^8 zatoshis).
// All arithmetic is performed on int64 to avoid floating-point precision issues.
type Zatoshi int64

// Decimals is the fixed decimal scale of ZEC.
const Decimals = 8

// unitsPerZEC is 10^Decimals.
const unitsPerZEC int64 = 100_000_000

var (
	// ErrOverflow occurs when an operation would exceed int64 capacity.
	ErrOverflow = errors.New("money: arithmetic overflow")

	// ErrNegativeAmount occurs when a negative amount is invalid for an operation.
	ErrNegativeAmount = errors.New("money: negative amount not allowed")

	// ErrInvalidFormat occurs when parsing fails.
	ErrInvalidFormat = errors.New("money: invalid format")
)

// FromZEC parses a decimal ZEC string (e.g., "1.50000000", "0.001") into
// zatoshis. At most 8 fractional digits are accepted; extra digits are an
// error rather than silently rounded, since on-chain amounts are exact.
func FromZEC(s string) (Zatoshi, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty amount", ErrInvalidFormat)
	}

	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, fmt.Errorf("%w: too many decimal points", ErrInvalidFormat)
	}

	integerPart := parts[0]
	fractionalPart := ""
	if len(parts) == 2 {
		fractionalPart = parts[1]
	}
	if integerPart == "" && fractionalPart == "" {
		return 0, fmt.Errorf("%w: no digits", ErrInvalidFormat)
	}
	if integerPart == "" {
		integerPart = "0"
	}

	integerVal, err := strconv.ParseInt(integerPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	if len(fractionalPart) > Decimals {
		return 0, fmt.Errorf("%w: more than %d decimal places", ErrInvalidFormat, Decimals)
	}
	var fractionalVal int64
	if fractionalPart != "" {
		padded := fractionalPart + strings.Repeat("0", Decimals-len(fractionalPart))
		fractionalVal, err = strconv.ParseInt(padded, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
		}
	}

	if integerVal > math.MaxInt64/unitsPerZEC {
		return 0, ErrOverflow
	}
	total := integerVal*unitsPerZEC + fractionalVal
	if neg {
		total = -total
	}
	return Zatoshi(total), nil
}

// FromZatoshiString parses an integer zatoshi string.
func FromZatoshiString(s string) (Zatoshi, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return Zatoshi(v), nil
}

// ZEC formats the amount as a decimal ZEC string with the full 8 decimal
// places, e.g. 150000000 → "1.50000000".
func (z Zatoshi) ZEC() string {
	v := int64(z)
	neg := v < 0
	if neg {
		v = -v
	}
	integerPart := v / unitsPerZEC
	fractionalPart := v % unitsPerZEC

	var buf strings.Builder
	if neg {
		buf.WriteByte('-')
	}
	buf.WriteString(strconv.FormatInt(integerPart, 10))
	buf.WriteByte('.')
	frac := strconv.FormatInt(fractionalPart, 10)
	for i := len(frac); i < Decimals; i++ {
		buf.WriteByte('0')
	}
	buf.WriteString(frac)
	return buf.String()
}

// String returns a human-readable representation, e.g. "1.50000000 ZEC".
func (z Zatoshi) String() string {
	return z.ZEC() + " ZEC"
}

// Int64 returns the raw zatoshi count.
func (z Zatoshi) Int64() int64 { return int64(z) }

// Add returns z + other, failing on int64 overflow.
func (z Zatoshi) Add(other Zatoshi) (Zatoshi, error) {
	result := z + other
	if (result > z) != (other > 0) && other != 0 {
		return 0, ErrOverflow
	}
	return result, nil
}

// Sub returns z - other, failing on int64 underflow.
func (z Zatoshi) Sub(other Zatoshi) (Zatoshi, error) {
	result := z - other
	if (result < z) != (other > 0) && other != 0 {
		return 0, ErrOverflow
	}
	return result, nil
}

// WithinTolerance reports whether z is within tolerance zatoshis of target.
// The on-chain matcher uses a 1-zatoshi tolerance to absorb client-side
// decimal conversion artifacts.
func (z Zatoshi) WithinTolerance(target, tolerance Zatoshi) bool {
	diff := int64(z) - int64(target)
	if diff < 0 {
		diff = -diff
	}
	return diff <= int64(tolerance)
}

// IsPositive returns true if the amount is greater than zero.
func (z Zatoshi) IsPositive() bool { return z > 0 }

// IsZero returns true if the amount is exactly zero.
func (z Zatoshi) IsZero() bool { return z == 0 }
