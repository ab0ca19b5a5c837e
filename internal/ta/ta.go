package ta

import (
	"math"

	"github.com/markcheno/go-talib"
)

// The talib wrappers below return nil when the input is shorter than the
// indicator lookback. Otherwise the result holds only valid values, the last
// element aligned with the last input.

func SMA(closes []float64, n int) float64 {
	if len(closes) < n || n <= 0 {
		return math.NaN()
	}
	sum := 0.0
	for i := len(closes) - n; i < len(closes); i++ {
		sum += closes[i]
	}
	return sum / float64(n)
}

func RSI(closes []float64, period int) []float64 {
	if period < 2 || len(closes) < period+1 {
		return nil
	}
	return talib.Rsi(closes, period)[period:]
}

// MACD returns the MACD line and its signal line.
func MACD(closes []float64, fast, slow, signal int) (macd, sig []float64) {
	lookback := slow - 1 + signal - 1
	if fast <= 0 || slow <= fast || signal <= 0 || len(closes) <= lookback {
		return nil, nil
	}
	m, s, _ := talib.Macd(closes, fast, slow, signal)
	return m[lookback:], s[lookback:]
}

func ATR(highs, lows, closes []float64, period int) []float64 {
	if len(highs) != len(lows) || len(lows) != len(closes) {
		return nil
	}
	if period < 1 || len(closes) < period+1 {
		return nil
	}
	return talib.Atr(highs, lows, closes, period)[period:]
}

func Last(vals []float64) (float64, bool) {
	if len(vals) == 0 {
		return 0, false
	}
	v := vals[len(vals)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Tail returns at most n trailing values.
func Tail(vals []float64, n int) []float64 {
	if n <= 0 || len(vals) == 0 {
		return nil
	}
	if len(vals) > n {
		vals = vals[len(vals)-n:]
	}
	out := make([]float64, len(vals))
	copy(out, vals)
	return out
}
