package indicator

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	talib "github.com/markcheno/go-talib"

	"fenyr-trader/internal/exchange"
)

// Kind 标识一种可计算的技术指标。
type Kind string

const (
	KindRSI       Kind = "rsi"
	KindEMA20     Kind = "ema_20"
	KindEMA50     Kind = "ema_50"
	KindMACD      Kind = "macd"
	KindBollinger Kind = "bollinger"
	KindATR       Kind = "atr"
)

// DefaultKinds 为未指定指标时的默认组合。
var DefaultKinds = []Kind{KindRSI, KindEMA20, KindMACD}

// ParseKind 将字符串解析为已知指标，未知名称返回错误。
func ParseKind(raw string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(raw)))
	switch kind {
	case KindRSI, KindEMA20, KindEMA50, KindMACD, KindBollinger, KindATR:
		return kind, nil
	default:
		return "", fmt.Errorf("未知指标: %s", raw)
	}
}

// MACDResult 保存 MACD 关键值。
type MACDResult struct {
	Value         float64 `json:"macd"`
	Signal        float64 `json:"signal"`
	Histogram     float64 `json:"histogram"`
	PrevHistogram float64 `json:"prev_histogram"`
}

// BollingerResult 保存布林带数据。
type BollingerResult struct {
	Upper     float64 `json:"upper"`
	Middle    float64 `json:"middle"`
	Lower     float64 `json:"lower"`
	Bandwidth float64 `json:"bandwidth"`
	Position  float64 `json:"position"`
}

// ATRResult 保存 ATR 指标。
type ATRResult struct {
	Absolute float64 `json:"absolute"`
	Relative float64 `json:"relative"`
}

// Report 为一次指标计算的汇总，仅填充请求的指标。
type Report struct {
	Symbol       string           `json:"symbol"`
	CurrentPrice float64          `json:"current_price"`
	RSI14        *float64         `json:"rsi_14,omitempty"`
	EMA20        *float64         `json:"ema_20,omitempty"`
	EMA50        *float64         `json:"ema_50,omitempty"`
	MACD         *MACDResult      `json:"macd,omitempty"`
	Bollinger    *BollingerResult `json:"bollinger,omitempty"`
	ATR          *ATRResult       `json:"atr,omitempty"`
}

// ohlc 为 talib 所需的价格数组视图，只保留指标计算用到的列。
type ohlc struct {
	high     []float64
	low      []float64
	close    []float64
	lastTime time.Time
}

func newOHLC(candles []exchange.Candle) ohlc {
	data := ohlc{
		high:  make([]float64, len(candles)),
		low:   make([]float64, len(candles)),
		close: make([]float64, len(candles)),
	}
	for i, candle := range candles {
		data.high[i] = candle.High
		data.low[i] = candle.Low
		data.close[i] = candle.Close
	}
	if len(candles) > 0 {
		data.lastTime = candles[len(candles)-1].Timestamp.UTC()
	}
	return data
}

func (o ohlc) len() int {
	return len(o.close)
}

func last(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return values[len(values)-1]
}

func prev(values []float64) float64 {
	if len(values) < 2 {
		return math.NaN()
	}
	return values[len(values)-2]
}

// ratio 除法保护，除数为0时返回0。
func ratio(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

type cacheEntry struct {
	key    string
	report Report
}

// Calculator 提供技术指标计算并带有简单缓存。纯计算，无副作用。
type Calculator struct {
	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewCalculator 创建 Calculator。
func NewCalculator() *Calculator {
	return &Calculator{
		cache: make(map[string]cacheEntry),
	}
}

// Compute 依据给定K线计算请求的技术指标。输入K线不足时返回错误。
func (c *Calculator) Compute(symbol string, candles []exchange.Candle, kinds []Kind) (Report, error) {
	if len(candles) == 0 {
		return Report{}, fmt.Errorf("计算指标失败: 输入K线为空")
	}
	if len(kinds) == 0 {
		kinds = DefaultKinds
	}

	data := newOHLC(candles)
	cacheKey := fmt.Sprintf("%s:%v:%d:%d", symbol, kinds, data.len(), data.lastTime.Unix())

	c.mu.Lock()
	if entry, ok := c.cache[symbol]; ok && entry.key == cacheKey {
		c.mu.Unlock()
		return entry.report, nil
	}
	c.mu.Unlock()

	report, err := c.calculate(symbol, data, kinds)
	if err != nil {
		return Report{}, err
	}

	c.mu.Lock()
	c.cache[symbol] = cacheEntry{key: cacheKey, report: report}
	c.mu.Unlock()

	return report, nil
}

func (c *Calculator) calculate(symbol string, data ohlc, kinds []Kind) (Report, error) {
	report := Report{
		Symbol:       symbol,
		CurrentPrice: last(data.close),
	}

	for _, kind := range kinds {
		if err := requireLen(kind, data.len()); err != nil {
			return Report{}, err
		}

		switch kind {
		case KindRSI:
			value := last(talib.Rsi(data.close, 14))
			report.RSI14 = &value
		case KindEMA20:
			value := last(talib.Ema(data.close, 20))
			report.EMA20 = &value
		case KindEMA50:
			value := last(talib.Ema(data.close, 50))
			report.EMA50 = &value
		case KindMACD:
			macd, signal, hist := talib.Macd(data.close, 12, 26, 9)
			report.MACD = &MACDResult{
				Value:         last(macd),
				Signal:        last(signal),
				Histogram:     last(hist),
				PrevHistogram: prev(hist),
			}
		case KindBollinger:
			upper, middle, lower := talib.BBands(data.close, 20, 2, 2, talib.EMA)
			report.Bollinger = buildBollinger(data.close, upper, middle, lower)
		case KindATR:
			atr := last(talib.Atr(data.high, data.low, data.close, 14))
			report.ATR = &ATRResult{
				Absolute: atr,
				Relative: ratio(atr, last(data.close)),
			}
		default:
			return Report{}, fmt.Errorf("未知指标: %s", kind)
		}
	}

	return report, nil
}

func requireLen(kind Kind, have int) error {
	need := 0
	switch kind {
	case KindRSI, KindATR:
		need = 15
	case KindEMA20, KindBollinger:
		need = 20
	case KindMACD:
		need = 35
	case KindEMA50:
		need = 50
	}
	if have < need {
		return fmt.Errorf("K线数量不足以计算 %s: 至少需要 %d 根，当前 %d", kind, need, have)
	}
	return nil
}

func buildBollinger(close, upper, middle, lower []float64) *BollingerResult {
	u := last(upper)
	m := last(middle)
	l := last(lower)
	width := u - l
	bandwidth := ratio(width, m)

	position := 0.0
	if width > 0 {
		position = ratio(last(close)-l, width)
	}

	// 将位置限制在[0,1]区间，便于后续使用。
	position = math.Max(0, math.Min(1, position))

	return &BollingerResult{
		Upper:     u,
		Middle:    m,
		Lower:     l,
		Bandwidth: bandwidth,
		Position:  position,
	}
}
