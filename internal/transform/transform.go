// Package transform holds the numeric and enum conversions shared by the
// schema compiler and the hand-written converters. Every function has an
// inverse and rejects out-of-domain input with a typed error.
package transform

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrOutOfDomain is wrapped by every DomainError.
var ErrOutOfDomain = errors.New("value out of domain")

// DomainError describes an input outside a transform's declared domain.
type DomainError struct {
	Op    string
	Value any
	Want  string
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("transform %s: %v out of domain (%s)", e.Op, e.Value, e.Want)
}

func (e *DomainError) Unwrap() error { return ErrOutOfDomain }

// LookupError is returned by EnumReverse for a name the table lacks.
type LookupError struct {
	Name    string
	Allowed []string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("value %q is not allowed, expected one of %v", e.Name, e.Allowed)
}

func (e *LookupError) Unwrap() error { return ErrOutOfDomain }

func checkFactor(op string, factor float64) error {
	if factor == 0 || math.IsNaN(factor) || math.IsInf(factor, 0) {
		return &DomainError{Op: op, Value: factor, Want: "finite non-zero factor"}
	}
	return nil
}

// Scale converts a raw device integer to its semantic value: raw / factor.
func Scale(raw int64, factor float64) (float64, error) {
	if err := checkFactor("scale", factor); err != nil {
		return 0, err
	}
	return float64(raw) / factor, nil
}

// Unscale is the inverse of Scale: round(value * factor).
func Unscale(value, factor float64) (int64, error) {
	if err := checkFactor("unscale", factor); err != nil {
		return 0, err
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, &DomainError{Op: "unscale", Value: value, Want: "finite number"}
	}
	r := math.Round(value * factor)
	if r > math.MaxInt64 || r < math.MinInt64 {
		return 0, &DomainError{Op: "unscale", Value: value, Want: "int64 after scaling"}
	}
	return int64(r), nil
}

// EnumLookup maps a wire value to its semantic name. ok is false when the
// table has no entry; callers report that as an out-of-range value.
func EnumLookup(raw int, table map[string]int) (string, bool) {
	for name, v := range table {
		if v == raw {
			return name, true
		}
	}
	return "", false
}

// EnumReverse maps a semantic name back to its wire value.
func EnumReverse(name string, table map[string]int) (int, error) {
	if v, ok := table[name]; ok {
		return v, nil
	}
	allowed := make([]string, 0, len(table))
	for k := range table {
		allowed = append(allowed, k)
	}
	sort.Strings(allowed)
	return 0, &LookupError{Name: name, Allowed: allowed}
}

const twoPow32 = int64(1) << 32

// TwosComplementFold interprets raw (an unsigned 32-bit device value) as
// negative once it reaches threshold: raw >= threshold ? raw - 2^32 : raw.
func TwosComplementFold(raw uint32, threshold uint32) int64 {
	if raw >= threshold {
		return int64(raw) - twoPow32
	}
	return int64(raw)
}

// TwosComplementUnfold is the inverse of TwosComplementFold for the signed
// 32-bit domain.
func TwosComplementUnfold(v int64) (uint32, error) {
	if v < math.MinInt32 || v > math.MaxUint32 {
		return 0, &DomainError{Op: "twos_complement", Value: v, Want: "-2^31..2^32-1"}
	}
	if v < 0 {
		return uint32(v + twoPow32), nil
	}
	return uint32(v), nil
}

// Weekdays in bit order: bit 0 is Sunday.
var Weekdays = []string{"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday"}

// WeekdayBitmap returns the names of the days whose bit is set.
func WeekdayBitmap(raw uint8) []string {
	days := make([]string, 0, 7)
	for i, name := range Weekdays {
		if raw&(1<<i) != 0 {
			days = append(days, name)
		}
	}
	return days
}

// PackWeekdays is the inverse of WeekdayBitmap.
func PackWeekdays(days []string) (uint8, error) {
	var out uint8
	for _, d := range days {
		idx := -1
		for i, name := range Weekdays {
			if name == d {
				idx = i
				break
			}
		}
		if idx < 0 {
			return 0, &DomainError{Op: "weekday_bitmap", Value: d, Want: "weekday name"}
		}
		out |= 1 << idx
	}
	return out, nil
}

// MapRange maps v linearly from [fromMin, fromMax] onto [toMin, toMax].
func MapRange(v, fromMin, fromMax, toMin, toMax float64) (float64, error) {
	if fromMax == fromMin {
		return 0, &DomainError{Op: "map_range", Value: fromMin, Want: "non-empty source range"}
	}
	if v < math.Min(fromMin, fromMax) || v > math.Max(fromMin, fromMax) {
		return 0, &DomainError{Op: "map_range", Value: v, Want: fmt.Sprintf("%g..%g", fromMin, fromMax)}
	}
	return toMin + (v-fromMin)*(toMax-toMin)/(fromMax-fromMin), nil
}

// Calibration4096 reads offsets carried in a 12-bit window: values above
// 4000 are negative.
func Calibration4096(raw int64) int64 {
	if raw > 4000 {
		return raw - 4096
	}
	return raw
}

// Calibration4096Unfold is the inverse of Calibration4096.
func Calibration4096Unfold(v int64) (int64, error) {
	if v < -95 || v > 4000 {
		return 0, &DomainError{Op: "calibration_4096", Value: v, Want: "-95..4000"}
	}
	if v < 0 {
		return v + 4096, nil
	}
	return v, nil
}
