/*
This file contains conversion helpers between fixed-point token amounts,
go-ethereum big integers and display floats.
*/

package utils

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	sdkmath "cosmossdk.io/math"
)

// USDCDecimals is the precision of every vault and position amount.
const USDCDecimals = 6

// Error definitions for zero-tolerance error handling
var (
	ErrInvalidPrecision = errors.New("precision is invalid")
	ErrAmountNil        = errors.New("amount is nil")
	ErrAmountNegative   = errors.New("amount is negative")
	ErrNotFinite        = errors.New("value is not finite")
	ErrConversionFailed = errors.New("conversion failed")
)

// IntToFloat64 converts a base-unit amount to a display float.
func IntToFloat64(amount sdkmath.Int, precision int) (float64, error) {
	if precision < 0 || precision > 18 {
		return 0, fmt.Errorf("%w: %d (must be between 0 and 18)", ErrInvalidPrecision, precision)
	}
	if amount.IsNil() {
		return 0, ErrAmountNil
	}

	result := sdkmath.LegacyNewDecFromInt(amount).Quo(pow10(precision))
	resultFloat, err := result.Float64()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrConversionFailed, err)
	}
	if math.IsNaN(resultFloat) || math.IsInf(resultFloat, 0) {
		return 0, fmt.Errorf("%w: result is %f", ErrNotFinite, resultFloat)
	}
	return resultFloat, nil
}

// Float64ToInt converts a display float to base units, truncating extra digits.
func Float64ToInt(amount float64, precision int) (sdkmath.Int, error) {
	if precision < 0 || precision > 18 {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %d (must be between 0 and 18)", ErrInvalidPrecision, precision)
	}
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: amount is %f", ErrNotFinite, amount)
	}
	if amount < 0 {
		return sdkmath.ZeroInt(), ErrAmountNegative
	}
	return ParseUnits(fmt.Sprintf("%.*f", precision, amount), precision)
}

// ParseUnits parses a decimal string such as "12.5" into base units.
func ParseUnits(value string, precision int) (sdkmath.Int, error) {
	if precision < 0 || precision > 18 {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %d (must be between 0 and 18)", ErrInvalidPrecision, precision)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: empty amount", ErrConversionFailed)
	}

	dec, err := sdkmath.LegacyNewDecFromStr(value)
	if err != nil {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %w", ErrConversionFailed, err)
	}
	if dec.IsNegative() {
		return sdkmath.ZeroInt(), ErrAmountNegative
	}
	return dec.Mul(pow10(precision)).TruncateInt(), nil
}

// FormatUnits renders base units as a decimal string with the given precision.
func FormatUnits(amount sdkmath.Int, precision int) string {
	if amount.IsNil() {
		return "0"
	}
	neg := amount.IsNegative()
	digits := amount.Abs().String()
	if precision > 0 {
		if len(digits) <= precision {
			digits = strings.Repeat("0", precision-len(digits)+1) + digits
		}
		whole, frac := digits[:len(digits)-precision], strings.TrimRight(digits[len(digits)-precision:], "0")
		digits = whole
		if frac != "" {
			digits += "." + frac
		}
	}
	if neg {
		return "-" + digits
	}
	return digits
}

// BigToInt converts an ABI-decoded integer. Nil becomes zero.
func BigToInt(v *big.Int) sdkmath.Int {
	if v == nil {
		return sdkmath.ZeroInt()
	}
	return sdkmath.NewIntFromBigInt(v)
}

// IntToBig converts an amount for ABI encoding.
func IntToBig(v sdkmath.Int) (*big.Int, error) {
	if v.IsNil() {
		return nil, ErrAmountNil
	}
	if v.IsNegative() {
		return nil, ErrAmountNegative
	}
	return v.BigInt(), nil
}

func pow10(precision int) sdkmath.LegacyDec {
	factor := sdkmath.LegacyOneDec()
	for i := 0; i < precision; i++ {
		factor = factor.MulInt64(10)
	}
	return factor
}
