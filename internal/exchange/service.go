package exchange

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MarketDataService 聚合行情、盘口、K线与资金费率的采集。
type MarketDataService struct {
	client *Client
	logger *zap.Logger
}

// NewMarketDataService 创建市场数据服务。
func NewMarketDataService(client *Client, logger *zap.Logger) *MarketDataService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MarketDataService{
		client: client,
		logger: logger,
	}
}

// GetSnapshot 并发拉取指定交易对的点时快照。
func (s *MarketDataService) GetSnapshot(ctx context.Context, symbol string, req SnapshotRequest) (MarketSnapshot, error) {
	defaultReq := DefaultSnapshotRequest()
	if req.CandleLimit <= 0 {
		req.CandleLimit = defaultReq.CandleLimit
	}
	if req.OrderBookDepth <= 0 {
		req.OrderBookDepth = defaultReq.OrderBookDepth
	}

	var (
		ticker    TickerSnapshot
		candles   []Candle
		orderBook OrderBookSnapshot
		funding   FundingSnapshot
	)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		data, err := s.client.FetchTicker(groupCtx, symbol)
		if err != nil {
			return err
		}
		ticker = data
		return nil
	})

	group.Go(func() error {
		data, err := s.client.FetchCandles(groupCtx, symbol, Timeframe1h, int64(req.CandleLimit))
		if err != nil {
			return err
		}
		candles = data
		return nil
	})

	group.Go(func() error {
		book, err := s.client.FetchOrderBook(groupCtx, symbol, int64(req.OrderBookDepth))
		if err != nil {
			return err
		}
		orderBook = book
		return nil
	})

	if req.WithFunding {
		group.Go(func() error {
			data, err := s.client.FetchFundingRate(groupCtx, symbol)
			if err != nil {
				return err
			}
			funding = data
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return MarketSnapshot{}, err
	}

	snapshot := MarketSnapshot{
		Symbol:      symbol,
		Ticker:      ticker,
		Candles1H:   candles,
		OrderBook:   orderBook,
		Funding:     funding,
		RetrievedAt: time.Now().UTC(),
	}

	s.logger.Debug("市场数据快照获取完成",
		zap.String("symbol", symbol),
		zap.Time("retrieved_at", snapshot.RetrievedAt),
		zap.Float64("last_price", snapshot.LastPrice()),
		zap.Int("candle_count", len(snapshot.Candles1H)),
		zap.Int("order_book_bids", len(snapshot.OrderBook.Bids)),
		zap.Int("order_book_asks", len(snapshot.OrderBook.Asks)),
	)

	return snapshot, nil
}
