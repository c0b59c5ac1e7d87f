package execution

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"fenyr-trader/internal/account"
	"fenyr-trader/internal/ai"
)

// OrderSide 表示订单方向。
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType 表示订单类型。
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// Status 为订单提交的终态。
type Status string

const (
	StatusFilled   Status = "filled"
	StatusRejected Status = "rejected"
	StatusFailed   Status = "failed"
)

// OrderRequest 为一次下单请求。
// ClientRequestID 由调用方生成且进程内不复用，是幂等判定的唯一依据。
type OrderRequest struct {
	ClientRequestID string    `json:"client_request_id"`
	Symbol          string    `json:"symbol"`
	Side            OrderSide `json:"side"`
	Size            float64   `json:"size"`
	Leverage        float64   `json:"leverage"`
	OrderType       OrderType `json:"order_type"`
	Price           float64   `json:"price,omitempty"`
	ReduceOnly      bool      `json:"reduce_only,omitempty"`
}

// Validate 校验下单请求。
func (r OrderRequest) Validate() error {
	if strings.TrimSpace(r.ClientRequestID) == "" {
		return errors.New("execution: client_request_id 不能为空")
	}
	if strings.TrimSpace(r.Symbol) == "" {
		return errors.New("execution: symbol 不能为空")
	}
	if r.Side != OrderSideBuy && r.Side != OrderSideSell {
		return fmt.Errorf("execution: 订单方向非法: %s", r.Side)
	}
	if r.Size <= 0 {
		return fmt.Errorf("execution: 订单数量必须大于0: %f", r.Size)
	}
	if r.OrderType != OrderTypeMarket && r.OrderType != OrderTypeLimit {
		return fmt.Errorf("execution: 不支持的订单类型: %s", r.OrderType)
	}
	if r.OrderType == OrderTypeLimit && r.Price <= 0 {
		return errors.New("execution: 限价单必须给出价格")
	}
	return nil
}

// ExecutionResult 为一次提交的终局结果。
// Failed 时 Retryable 指示调用方是否可以换一个新的请求重试。
type ExecutionResult struct {
	Status      Status    `json:"status"`
	OrderID     string    `json:"order_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Retryable   bool      `json:"retryable,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// FromDecision 将经过风控批准的决策转换为下单请求。
// CLOSE 信号根据现有持仓反向生成 reduce-only 订单。
func FromDecision(decision ai.Decision, pos account.Position, leverage float64) (OrderRequest, error) {
	request := OrderRequest{
		ClientRequestID: uuid.NewString(),
		Symbol:          decision.Symbol,
		Leverage:        leverage,
		OrderType:       OrderTypeMarket,
	}

	switch decision.Signal {
	case ai.SignalOpenLong:
		request.Side = OrderSideBuy
		request.Size = decision.Size
	case ai.SignalOpenShort:
		request.Side = OrderSideSell
		request.Size = decision.Size
	case ai.SignalClose:
		if pos.Size <= 0 {
			return OrderRequest{}, fmt.Errorf("execution: %s 无持仓可平", decision.Symbol)
		}
		request.Size = pos.Size
		request.ReduceOnly = true
		if strings.EqualFold(pos.Side, "SHORT") {
			request.Side = OrderSideBuy
		} else {
			request.Side = OrderSideSell
		}
	default:
		return OrderRequest{}, fmt.Errorf("execution: 信号 %s 不产生订单", decision.Signal)
	}

	if err := request.Validate(); err != nil {
		return OrderRequest{}, err
	}
	return request, nil
}
