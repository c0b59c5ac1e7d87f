package account

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"
)

type balanceClient interface {
	FetchBalance(params ...interface{}) (ccxt.Balances, error)
	FetchPositions(options ...ccxt.FetchPositionsOptions) ([]ccxt.Position, error)
}

// Position 表示单个交易对的持仓详情。
type Position struct {
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Size          float64   `json:"size"`
	EntryPrice    float64   `json:"entry_price"`
	MarkPrice     float64   `json:"mark_price"`
	Notional      float64   `json:"notional"`
	UnrealizedPnl float64   `json:"unrealized_pnl"`
	Leverage      float64   `json:"leverage"`
	Timestamp     time.Time `json:"timestamp"`
}

// State 描述账户资金、持仓与杠杆状况。
type State struct {
	TotalEquity     float64    `json:"total_equity"`
	AvailableUSD    float64    `json:"available_usd"`
	UnrealizedPnl   float64    `json:"unrealized_pnl"`
	TotalNotional   float64    `json:"total_notional"`
	CurrentLeverage float64    `json:"current_leverage"`
	Positions       []Position `json:"positions"`
	Timestamp       time.Time  `json:"timestamp"`
}

// PositionFor 返回指定交易对的持仓，不存在时返回零值。
func (s State) PositionFor(symbol string) (Position, bool) {
	for _, p := range s.Positions {
		if strings.EqualFold(p.Symbol, symbol) {
			return p, true
		}
	}
	return Position{}, false
}

// Accessor 负责拉取账户资金与持仓快照。
type Accessor struct {
	client balanceClient
	logger *zap.Logger
}

// NewAccessor 创建账户访问器。
func NewAccessor(client balanceClient, logger *zap.Logger) *Accessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Accessor{
		client: client,
		logger: logger,
	}
}

// State 获取账户当前状态。
func (a *Accessor) State(ctx context.Context) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}

	now := time.Now().UTC()
	state := State{Timestamp: now}

	balances, err := a.client.FetchBalance()
	if err != nil {
		return State{}, fmt.Errorf("account: 获取账户余额失败: %w", err)
	}

	if balances.Total != nil {
		for _, code := range []string{"USDT", "USDC", "USD"} {
			if total, ok := balances.Total[code]; ok && total != nil && *total > 0 {
				state.TotalEquity = *total
				break
			}
		}
	}
	if balances.Free != nil {
		for _, code := range []string{"USDT", "USDC", "USD"} {
			if free, ok := balances.Free[code]; ok && free != nil {
				state.AvailableUSD = *free
				break
			}
		}
	}

	rawPositions, err := a.client.FetchPositions()
	if err != nil {
		return State{}, fmt.Errorf("account: 获取持仓失败: %w", err)
	}

	var totalNotional float64
	var totalUnrealized float64
	var maxLeverage float64

	for _, rawPos := range rawPositions {
		size := derefFloat(rawPos.Contracts)
		if size == 0 {
			continue
		}

		symbol := derefString(rawPos.Symbol)
		side := strings.ToUpper(strings.TrimSpace(derefString(rawPos.Side)))
		if side == "" {
			side = "LONG"
		}

		entry := derefFloat(rawPos.EntryPrice)
		mark := derefFloat(rawPos.MarkPrice)
		notional := derefFloat(rawPos.Notional)
		if notional == 0 && mark > 0 {
			notional = size * mark
		}
		unrealized := derefFloat(rawPos.UnrealizedPnl)
		leverage := derefFloat(rawPos.Leverage)
		if leverage == 0 && rawPos.Info != nil {
			leverage = parseNumeric(rawPos.Info["leverage"])
		}

		totalNotional += notional
		totalUnrealized += unrealized
		if leverage > maxLeverage {
			maxLeverage = leverage
		}

		state.Positions = append(state.Positions, Position{
			Symbol:        symbol,
			Side:          side,
			Size:          size,
			EntryPrice:    entry,
			MarkPrice:     mark,
			Notional:      notional,
			UnrealizedPnl: unrealized,
			Leverage:      leverage,
			Timestamp:     now,
		})
	}

	state.TotalNotional = totalNotional
	state.UnrealizedPnl = totalUnrealized
	state.CurrentLeverage = maxLeverage
	if state.CurrentLeverage == 0 && state.TotalEquity > 0 {
		state.CurrentLeverage = totalNotional / state.TotalEquity
	}

	a.logger.Debug("账户状态快照获取完成",
		zap.Float64("equity", state.TotalEquity),
		zap.Float64("notional", state.TotalNotional),
		zap.Int("positions", len(state.Positions)),
	)

	return state, nil
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func parseNumeric(value interface{}) float64 {
	switch v := value.(type) {
	case nil:
		return 0
	case float64:
		return v
	case *float64:
		if v != nil {
			return *v
		}
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return 0
}
