package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"fenyr-trader/internal/account"
	"fenyr-trader/internal/ai"
	"fenyr-trader/internal/exchange"
	"fenyr-trader/internal/indicator"
)

type marketDataProvider interface {
	GetSnapshot(ctx context.Context, symbol string, req exchange.SnapshotRequest) (exchange.MarketSnapshot, error)
}

type accountProvider interface {
	State(ctx context.Context) (account.State, error)
}

type indicatorCalculator interface {
	Compute(symbol string, candles []exchange.Candle, kinds []indicator.Kind) (indicator.Report, error)
}

type toolHandler func(ctx context.Context, args json.RawMessage) (interface{}, error)

// Toolbox 承载模型可调用的只读工具，按注册表分发。
// 未注册的工具名不会执行任何副作用，仅返回错误负载。
type Toolbox struct {
	market      marketDataProvider
	accounts    accountProvider
	calc        indicatorCalculator
	candleLimit int
	logger      *zap.Logger
	handlers    map[string]toolHandler
}

// NewToolbox 创建工具集。
func NewToolbox(market marketDataProvider, accounts accountProvider, calc indicatorCalculator, candleLimit int, logger *zap.Logger) *Toolbox {
	if candleLimit <= 0 {
		candleLimit = 120
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Toolbox{
		market:      market,
		accounts:    accounts,
		calc:        calc,
		candleLimit: candleLimit,
		logger:      logger,
	}
	t.handlers = map[string]toolHandler{
		ai.ToolGetMarketData:          t.handleMarketData,
		ai.ToolGetTechnicalIndicators: t.handleIndicators,
		ai.ToolGetAccountStatus:       t.handleAccountStatus,
		ai.ToolGetFundingRate:         t.handleFundingRate,
	}
	return t
}

// Dispatch 执行指定工具并返回序列化后的结果。
// 任何失败（未知工具、参数非法、上游错误）都转为 {"error": "..."} 负载回传给模型，
// 由模型决定调整参数重试还是保守观望。
func (t *Toolbox) Dispatch(ctx context.Context, name string, rawArgs string) string {
	handler, ok := t.handlers[name]
	if !ok {
		t.logger.Warn("模型请求了未注册的工具", zap.String("tool", name))
		return errorPayload(fmt.Sprintf("Unknown tool: %s", name))
	}

	args := json.RawMessage(rawArgs)
	if strings.TrimSpace(rawArgs) == "" {
		args = json.RawMessage("{}")
	}

	result, err := handler(ctx, args)
	if err != nil {
		t.logger.Warn("工具执行失败",
			zap.String("tool", name),
			zap.Error(err),
		)
		return errorPayload(err.Error())
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return errorPayload(fmt.Sprintf("序列化工具结果失败: %v", err))
	}
	return string(payload)
}

func (t *Toolbox) handleMarketData(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args ai.MarketDataArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("get_market_data 参数解析失败: %w", err)
	}
	if strings.TrimSpace(args.Symbol) == "" {
		return nil, fmt.Errorf("get_market_data 缺少 symbol 参数")
	}

	snapshot, err := t.market.GetSnapshot(ctx, args.Symbol, exchange.SnapshotRequest{
		CandleLimit: t.candleLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("获取市场数据失败: %w", err)
	}
	return snapshot, nil
}

func (t *Toolbox) handleIndicators(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args ai.IndicatorArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("get_technical_indicators 参数解析失败: %w", err)
	}
	if strings.TrimSpace(args.Symbol) == "" {
		return nil, fmt.Errorf("get_technical_indicators 缺少 symbol 参数")
	}

	kinds := make([]indicator.Kind, 0, len(args.Indicators))
	for _, name := range args.Indicators {
		kind, err := indicator.ParseKind(name)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}

	snapshot, err := t.market.GetSnapshot(ctx, args.Symbol, exchange.SnapshotRequest{
		CandleLimit: t.candleLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("获取K线失败: %w", err)
	}

	report, err := t.calc.Compute(args.Symbol, snapshot.Candles1H, kinds)
	if err != nil {
		return nil, err
	}
	return report, nil
}

func (t *Toolbox) handleAccountStatus(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	state, err := t.accounts.State(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取账户状态失败: %w", err)
	}
	return state, nil
}

func (t *Toolbox) handleFundingRate(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args ai.FundingRateArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("get_funding_rate 参数解析失败: %w", err)
	}
	if strings.TrimSpace(args.Symbol) == "" {
		return nil, fmt.Errorf("get_funding_rate 缺少 symbol 参数")
	}

	snapshot, err := t.market.GetSnapshot(ctx, args.Symbol, exchange.SnapshotRequest{
		CandleLimit: 2,
		WithFunding: true,
	})
	if err != nil {
		return nil, fmt.Errorf("获取资金费率失败: %w", err)
	}
	return snapshot.Funding, nil
}

func errorPayload(message string) string {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return `{"error":"internal error"}`
	}
	return string(payload)
}
