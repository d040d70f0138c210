package transform

import (
	"fmt"
	"math"
	"strings"
)

// ValueConverter is a named from/to pair applied to an already decoded DP
// scalar. From runs on inbound values, To on outbound ones.
type ValueConverter struct {
	From func(v any) (any, error)
	To   func(v any) (any, error)
}

func divideBy(n float64) ValueConverter {
	return ValueConverter{
		From: func(v any) (any, error) {
			f, ok := ToFloat64(v)
			if !ok {
				return nil, &DomainError{Op: "divide", Value: v, Want: "number"}
			}
			return f / n, nil
		},
		To: func(v any) (any, error) {
			f, ok := ToFloat64(v)
			if !ok {
				return nil, &DomainError{Op: "divide", Value: v, Want: "number"}
			}
			return Unscale(f, n)
		},
	}
}

func trueFalse(want int64) ValueConverter {
	return ValueConverter{
		From: func(v any) (any, error) {
			n, ok := ToInt64(v)
			if !ok {
				return nil, &DomainError{Op: "true_false", Value: v, Want: "integer"}
			}
			return n == want, nil
		},
	}
}

func calibrationFold(threshold int64) func(v any) (any, error) {
	return func(v any) (any, error) {
		n, ok := ToInt64(v)
		if !ok {
			return nil, &DomainError{Op: "calibration", Value: v, Want: "integer"}
		}
		if n > threshold {
			n -= twoPow32
		}
		return float64(n) / 10, nil
	}
}

func calibrationUnfoldTenths(v any) (any, error) {
	f, ok := ToFloat64(v)
	if !ok {
		return nil, &DomainError{Op: "calibration", Value: v, Want: "number"}
	}
	n, err := Unscale(f, 10)
	if err != nil {
		return nil, err
	}
	return TwosComplementUnfold(n)
}

var named = map[string]ValueConverter{
	"raw": {
		From: func(v any) (any, error) { return v, nil },
		To:   func(v any) (any, error) { return v, nil },
	},
	"divideBy10":   divideBy(10),
	"divideBy100":  divideBy(100),
	"divideBy1000": divideBy(1000),
	"plus1": {
		From: func(v any) (any, error) {
			n, ok := ToInt64(v)
			if !ok {
				return nil, &DomainError{Op: "plus1", Value: v, Want: "integer"}
			}
			return n + 1, nil
		},
		To: func(v any) (any, error) {
			n, ok := ToInt64(v)
			if !ok {
				return nil, &DomainError{Op: "plus1", Value: v, Want: "integer"}
			}
			return n - 1, nil
		},
	},
	"trueFalse0": trueFalse(0),
	"trueFalse1": trueFalse(1),
	"trueFalseInvert": {
		From: func(v any) (any, error) {
			b, ok := ToBool(v)
			if !ok {
				return nil, &DomainError{Op: "invert", Value: v, Want: "bool"}
			}
			return !b, nil
		},
		To: func(v any) (any, error) {
			b, ok := ToBool(v)
			if !ok {
				return nil, &DomainError{Op: "invert", Value: v, Want: "bool"}
			}
			return !b, nil
		},
	},
	"onOff": {
		From: func(v any) (any, error) {
			b, ok := ToBool(v)
			if !ok {
				return nil, &DomainError{Op: "on_off", Value: v, Want: "bool"}
			}
			if b {
				return "ON", nil
			}
			return "OFF", nil
		},
		To: func(v any) (any, error) {
			s, _ := v.(string)
			switch strings.ToUpper(s) {
			case "ON":
				return true, nil
			case "OFF":
				return false, nil
			}
			return nil, &LookupError{Name: fmt.Sprint(v), Allowed: []string{"OFF", "ON"}}
		},
	},
	// Devices that carry the calibration offset in a 12-bit window.
	"localTemperatureCalibration": {
		From: func(v any) (any, error) {
			n, ok := ToInt64(v)
			if !ok {
				return nil, &DomainError{Op: "calibration", Value: v, Want: "integer"}
			}
			return Calibration4096(n), nil
		},
		To: func(v any) (any, error) {
			n, ok := ToInt64(v)
			if !ok {
				return nil, &DomainError{Op: "calibration", Value: v, Want: "integer"}
			}
			return Calibration4096Unfold(n)
		},
	},
	"localTempCalibration1": {From: calibrationFold(55), To: calibrationUnfoldTenths},
	"localTempCalibration2": {
		From: func(v any) (any, error) { return v, nil },
		To: func(v any) (any, error) {
			n, ok := ToInt64(v)
			if !ok {
				return nil, &DomainError{Op: "calibration", Value: v, Want: "integer"}
			}
			return TwosComplementUnfold(n)
		},
	},
	"localTempCalibration3": {From: calibrationFold(math.MaxInt32), To: calibrationUnfoldTenths},
}

// Named returns the value converter registered under name.
func Named(name string) (ValueConverter, bool) {
	c, ok := named[name]
	return c, ok
}

// ToFloat64 coerces the numeric kinds produced by decoders and JSON.
func ToFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// ToInt64 coerces integral values; floats with a fractional part are rejected.
func ToInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) || n > math.MaxInt64 || n < math.MinInt64 {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}

// ToBool accepts booleans and 0/1 numbers.
func ToBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch strings.ToUpper(b) {
		case "ON", "TRUE":
			return true, true
		case "OFF", "FALSE":
			return false, true
		}
		return false, false
	}
	if n, ok := ToInt64(v); ok && (n == 0 || n == 1) {
		return n == 1, true
	}
	return false, false
}
