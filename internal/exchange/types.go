package exchange

import "time"

const (
	// Timeframe1h 为主分析周期。
	Timeframe1h = "1h"
)

// Candle 代表单根K线。
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// OrderBookLevel 表示盘口档位。
type OrderBookLevel struct {
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
}

// OrderBookSnapshot 为订单簿快照。
type OrderBookSnapshot struct {
	Symbol    string           `json:"symbol"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
	Timestamp time.Time        `json:"timestamp"`
	Nonce     int64            `json:"nonce,omitempty"`
}

// TickerSnapshot 为行情摘要。
type TickerSnapshot struct {
	Symbol           string    `json:"symbol"`
	Last             float64   `json:"last"`
	Bid              float64   `json:"bid"`
	Ask              float64   `json:"ask"`
	High24H          float64   `json:"high_24h"`
	Low24H           float64   `json:"low_24h"`
	Volume24H        float64   `json:"volume_24h"`
	ChangePercent24H float64   `json:"change_percent_24h"`
	Timestamp        time.Time `json:"timestamp"`
}

// FundingSnapshot 为资金费率快照。
type FundingSnapshot struct {
	Symbol          string    `json:"symbol"`
	FundingRate     float64   `json:"funding_rate"`
	NextFundingTime time.Time `json:"next_funding_time"`
	Timestamp       time.Time `json:"timestamp"`
}

// MarketSnapshot 聚合某一时刻的价格、盘口、K线与资金费率。
type MarketSnapshot struct {
	Symbol      string            `json:"symbol"`
	Ticker      TickerSnapshot    `json:"ticker"`
	OrderBook   OrderBookSnapshot `json:"order_book"`
	Candles1H   []Candle          `json:"candles_1h"`
	Funding     FundingSnapshot   `json:"funding"`
	RetrievedAt time.Time         `json:"retrieved_at"`
}

// LastPrice 返回快照中的最新价格，优先取 ticker，其次取K线收盘价。
func (s MarketSnapshot) LastPrice() float64 {
	if s.Ticker.Last > 0 {
		return s.Ticker.Last
	}
	if len(s.Candles1H) > 0 {
		return s.Candles1H[len(s.Candles1H)-1].Close
	}
	if len(s.OrderBook.Bids) > 0 {
		return s.OrderBook.Bids[0].Price
	}
	return 0
}

// SnapshotRequest 控制一次快照采集的参数。
type SnapshotRequest struct {
	CandleLimit    int
	OrderBookDepth int
	WithFunding    bool
}

// DefaultSnapshotRequest 返回默认快照参数。
func DefaultSnapshotRequest() SnapshotRequest {
	return SnapshotRequest{
		CandleLimit:    120,
		OrderBookDepth: 50,
		WithFunding:    true,
	}
}
