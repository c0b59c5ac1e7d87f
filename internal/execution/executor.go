package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"fenyr-trader/internal/config"
	"fenyr-trader/internal/exchange"
)

type orderClient interface {
	CreateMarketOrder(symbol string, side string, amount float64, options ...ccxt.CreateMarketOrderOptions) (ccxt.Order, error)
	CreateLimitOrder(symbol string, side string, amount float64, price float64, options ...ccxt.CreateLimitOrderOptions) (ccxt.Order, error)
}

// Submitter 为订单提交的统一入口，真实执行与模拟执行共用同一契约。
type Submitter interface {
	Submit(ctx context.Context, request OrderRequest) (ExecutionResult, error)
}

// Executor 将批准的订单提交到交易所。
// 同一 client_request_id 在进程生命周期内只会提交一次，重复提交返回缓存的终局结果。
type Executor struct {
	client orderClient
	cfg    config.ExecutionConfig
	logger *zap.Logger

	mu      sync.Mutex
	results map[string]ExecutionResult
}

// NewExecutor 创建订单执行器。
func NewExecutor(client orderClient, cfg config.ExecutionConfig, logger *zap.Logger) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Executor{
		client:  client,
		cfg:     cfg,
		logger:  logger,
		results: make(map[string]ExecutionResult),
	}
}

// Submit 提交订单并返回终局结果。
// 瞬时故障按指数退避重试；交易所语义拒绝不重试，直接转为 Rejected。
func (e *Executor) Submit(ctx context.Context, request OrderRequest) (ExecutionResult, error) {
	if err := request.Validate(); err != nil {
		return ExecutionResult{}, err
	}

	if cached, ok := e.cachedResult(request.ClientRequestID); ok {
		e.logger.Info("重复的下单请求，返回缓存结果",
			zap.String("client_request_id", request.ClientRequestID),
			zap.String("status", string(cached.Status)),
		)
		return cached, nil
	}

	result := e.submitWithRetry(ctx, request)
	if result.Status == "" {
		// 上下文取消不记入终局结果，同一请求之后仍可提交。
		return ExecutionResult{}, ctx.Err()
	}

	// 只有成交与拒绝是终局状态。失败不入缓存，
	// 同一 client_request_id 的显式重试允许重新触达交易所。
	if result.Status != StatusFailed {
		e.storeResult(request.ClientRequestID, result)
	}
	return result, nil
}

func (e *Executor) submitWithRetry(ctx context.Context, request OrderRequest) ExecutionResult {
	var lastErr error

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		order, err := e.placeOrder(request)
		if err == nil {
			orderID := derefString(order.Id)
			e.logger.Info("下单成功",
				zap.String("client_request_id", request.ClientRequestID),
				zap.String("symbol", request.Symbol),
				zap.String("side", string(request.Side)),
				zap.Float64("size", request.Size),
				zap.String("order_id", orderID),
				zap.Int("attempt", attempt),
			)
			return ExecutionResult{
				Status:      StatusFilled,
				OrderID:     orderID,
				SubmittedAt: time.Now().UTC(),
			}
		}

		if exchange.IsRejection(err) {
			e.logger.Warn("交易所拒绝订单",
				zap.String("client_request_id", request.ClientRequestID),
				zap.Error(err),
			)
			return ExecutionResult{
				Status:      StatusRejected,
				Reason:      err.Error(),
				SubmittedAt: time.Now().UTC(),
			}
		}

		lastErr = err
		if !exchange.IsRetryable(err) {
			break
		}

		if attempt == e.cfg.MaxAttempts {
			break
		}

		wait := e.backoff(attempt)
		e.logger.Warn("下单遇到瞬时故障，准备重试",
			zap.String("client_request_id", request.ClientRequestID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return ExecutionResult{}
		case <-time.After(wait):
		}
	}

	retryable := exchange.IsRetryable(lastErr)
	e.logger.Error("下单最终失败",
		zap.String("client_request_id", request.ClientRequestID),
		zap.Bool("retryable", retryable),
		zap.Error(lastErr),
	)
	return ExecutionResult{
		Status:      StatusFailed,
		Reason:      fmt.Sprintf("下单失败: %v", lastErr),
		Retryable:   retryable,
		SubmittedAt: time.Now().UTC(),
	}
}

func (e *Executor) placeOrder(request OrderRequest) (ccxt.Order, error) {
	params := map[string]interface{}{
		"clientOrderId": request.ClientRequestID,
	}
	if request.ReduceOnly {
		params["reduceOnly"] = true
	}
	if request.Leverage > 0 {
		params["leverage"] = request.Leverage
	}

	switch request.OrderType {
	case OrderTypeLimit:
		return e.client.CreateLimitOrder(request.Symbol, string(request.Side), request.Size, request.Price,
			ccxt.WithCreateLimitOrderParams(params))
	default:
		return e.client.CreateMarketOrder(request.Symbol, string(request.Side), request.Size,
			ccxt.WithCreateMarketOrderParams(params))
	}
}

func (e *Executor) backoff(attempt int) time.Duration {
	wait := e.cfg.MinDelay << (attempt - 1)
	if wait > e.cfg.MaxDelay {
		wait = e.cfg.MaxDelay
	}
	return wait
}

func (e *Executor) cachedResult(clientRequestID string) (ExecutionResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	result, ok := e.results[clientRequestID]
	return result, ok
}

func (e *Executor) storeResult(clientRequestID string, result ExecutionResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results[clientRequestID] = result
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
