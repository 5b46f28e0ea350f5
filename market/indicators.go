package market

import (
	"math"

	"astergrid/trader/types"
)

// Series holds the float columns of a candle window, oldest first
type Series struct {
	Closes  []float64
	Highs   []float64
	Lows    []float64
	Volumes []float64
}

// SeriesFrom extracts float columns from candles
func SeriesFrom(candles []types.Candle) Series {
	s := Series{
		Closes:  make([]float64, len(candles)),
		Highs:   make([]float64, len(candles)),
		Lows:    make([]float64, len(candles)),
		Volumes: make([]float64, len(candles)),
	}
	for i, c := range candles {
		s.Closes[i], _ = c.Close.Float64()
		s.Highs[i], _ = c.High.Float64()
		s.Lows[i], _ = c.Low.Float64()
		s.Volumes[i], _ = c.Volume.Float64()
	}
	return s
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// SMA simple moving average of the last period values, 0 when too short
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	return average(values[len(values)-period:])
}

// EMASeries exponential moving average seeded with the first value
func EMASeries(values []float64, period int) []float64 {
	if len(values) == 0 || period <= 0 {
		return nil
	}
	alpha := 2.0 / float64(period+1)
	out := make([]float64, len(values))
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// EMA last value of EMASeries
func EMA(values []float64, period int) float64 {
	series := EMASeries(values, period)
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}

// RSI Wilder's relative strength index. Neutral 50 when undefined.
func RSI(closes []float64, period int) float64 {
	if period <= 0 || len(closes) <= period {
		return 50
	}

	alpha := 1.0 / float64(period)
	avgGain, avgLoss := 0.0, 0.0
	for i := 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = alpha*gain + (1-alpha)*avgGain
		avgLoss = alpha*loss + (1-alpha)*avgLoss
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// MACDResult last values of the MACD line, its signal and the histogram
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACD moving average convergence divergence
func MACD(closes []float64, fast, slow, signal int) MACDResult {
	if len(closes) == 0 {
		return MACDResult{}
	}
	fastEMA := EMASeries(closes, fast)
	slowEMA := EMASeries(closes, slow)

	line := make([]float64, len(closes))
	for i := range closes {
		line[i] = fastEMA[i] - slowEMA[i]
	}
	sig := EMASeries(line, signal)

	last := len(closes) - 1
	return MACDResult{
		MACD:      line[last],
		Signal:    sig[last],
		Histogram: line[last] - sig[last],
	}
}

// ATR average true range over the last period bars
func ATR(highs, lows, closes []float64, period int) float64 {
	n := len(closes)
	if period <= 0 || n < period || len(highs) != n || len(lows) != n {
		return 0
	}

	tr := make([]float64, n)
	for i := 0; i < n; i++ {
		tr[i] = highs[i] - lows[i]
		if i > 0 {
			tr[i] = math.Max(tr[i], math.Abs(highs[i]-closes[i-1]))
			tr[i] = math.Max(tr[i], math.Abs(lows[i]-closes[i-1]))
		}
	}
	return average(tr[n-period:])
}

// VolumeRatio volume of the last completed bar over its trailing average.
// The newest bar is still forming and is left out. 1 when undefined.
func VolumeRatio(volumes []float64, period int) float64 {
	n := len(volumes)
	if period <= 0 || n < period+1 {
		return 1
	}
	completed := volumes[:n-1]
	avg := SMA(completed, period)
	if avg == 0 {
		return 1
	}
	return completed[len(completed)-1] / avg
}

// Highest maximum of the last period values
func Highest(values []float64, period int) float64 {
	if len(values) == 0 {
		return 0
	}
	if period <= 0 || period > len(values) {
		period = len(values)
	}
	h := values[len(values)-period]
	for _, v := range values[len(values)-period:] {
		h = math.Max(h, v)
	}
	return h
}

// Lowest minimum of the last period values
func Lowest(values []float64, period int) float64 {
	if len(values) == 0 {
		return 0
	}
	if period <= 0 || period > len(values) {
		period = len(values)
	}
	l := values[len(values)-period]
	for _, v := range values[len(values)-period:] {
		l = math.Min(l, v)
	}
	return l
}
