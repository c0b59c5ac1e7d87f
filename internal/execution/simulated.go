package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SimulatedExecutor 在不触达交易所的情况下模拟成交。
// 与真实执行器共享同一幂等契约，便于在纸面交易模式下验证完整链路。
type SimulatedExecutor struct {
	logger *zap.Logger

	mu      sync.Mutex
	counter int
	results map[string]ExecutionResult
}

// NewSimulatedExecutor 创建模拟执行器。
func NewSimulatedExecutor(logger *zap.Logger) *SimulatedExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SimulatedExecutor{
		logger:  logger,
		results: make(map[string]ExecutionResult),
	}
}

// Submit 模拟提交订单，立即成交。
func (s *SimulatedExecutor) Submit(ctx context.Context, request OrderRequest) (ExecutionResult, error) {
	if err := request.Validate(); err != nil {
		return ExecutionResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return ExecutionResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cached, ok := s.results[request.ClientRequestID]; ok {
		return cached, nil
	}

	s.counter++
	result := ExecutionResult{
		Status:      StatusFilled,
		OrderID:     fmt.Sprintf("sim-%06d", s.counter),
		SubmittedAt: time.Now().UTC(),
	}
	s.results[request.ClientRequestID] = result

	s.logger.Info("模拟成交",
		zap.String("client_request_id", request.ClientRequestID),
		zap.String("symbol", request.Symbol),
		zap.String("side", string(request.Side)),
		zap.Float64("size", request.Size),
		zap.String("order_id", result.OrderID),
	)

	return result, nil
}
