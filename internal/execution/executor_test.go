package execution

import (
	"context"
	"testing"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"

	"fenyr-trader/internal/account"
	"fenyr-trader/internal/ai"
	"fenyr-trader/internal/config"
)

type mockOrderClient struct {
	calls  int
	errs   []error
	symbol string
	side   string
	amount float64
}

func (m *mockOrderClient) CreateMarketOrder(symbol string, side string, amount float64, _ ...ccxt.CreateMarketOrderOptions) (ccxt.Order, error) {
	m.calls++
	m.symbol = symbol
	m.side = side
	m.amount = amount
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return ccxt.Order{}, err
		}
	}
	id := "order-1"
	return ccxt.Order{Id: &id}, nil
}

func (m *mockOrderClient) CreateLimitOrder(symbol string, side string, amount float64, _ float64, _ ...ccxt.CreateLimitOrderOptions) (ccxt.Order, error) {
	m.calls++
	m.symbol = symbol
	m.side = side
	m.amount = amount
	id := "order-1"
	return ccxt.Order{Id: &id}, nil
}

func testExecConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		MaxAttempts: 3,
		MinDelay:    time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}
}

func marketBuy(id string) OrderRequest {
	return OrderRequest{
		ClientRequestID: id,
		Symbol:          "BTC/USDT:USDT",
		Side:            OrderSideBuy,
		Size:            0.1,
		OrderType:       OrderTypeMarket,
	}
}

func TestSubmit_Fills(t *testing.T) {
	client := &mockOrderClient{}
	exec := NewExecutor(client, testExecConfig(), nil)

	result, err := exec.Submit(context.Background(), marketBuy("req-1"))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if result.Status != StatusFilled {
		t.Fatalf("expected filled, got %s (%s)", result.Status, result.Reason)
	}
	if result.OrderID != "order-1" {
		t.Errorf("expected order id order-1, got %s", result.OrderID)
	}
	if client.calls != 1 {
		t.Errorf("expected single exchange call, got %d", client.calls)
	}
}

func TestSubmit_DuplicateRequestIsIdempotent(t *testing.T) {
	client := &mockOrderClient{}
	exec := NewExecutor(client, testExecConfig(), nil)

	first, err := exec.Submit(context.Background(), marketBuy("req-dup"))
	if err != nil {
		t.Fatalf("first Submit returned error: %v", err)
	}
	second, err := exec.Submit(context.Background(), marketBuy("req-dup"))
	if err != nil {
		t.Fatalf("second Submit returned error: %v", err)
	}

	if first != second {
		t.Errorf("expected identical results for duplicate request: %+v vs %+v", first, second)
	}
	if client.calls != 1 {
		t.Errorf("expected at most one exchange call, got %d", client.calls)
	}
}

func TestSubmit_RetriesTransientThenFills(t *testing.T) {
	client := &mockOrderClient{
		errs: []error{
			&ccxt.Error{Type: ccxt.RateLimitExceededErrType, Message: "rate limited"},
			&ccxt.Error{Type: ccxt.NetworkErrorErrType, Message: "connection reset"},
		},
	}
	exec := NewExecutor(client, testExecConfig(), nil)

	result, err := exec.Submit(context.Background(), marketBuy("req-retry"))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if result.Status != StatusFilled {
		t.Fatalf("expected filled after retries, got %s (%s)", result.Status, result.Reason)
	}
	if client.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", client.calls)
	}
}

func TestSubmit_RejectionIsNotRetried(t *testing.T) {
	client := &mockOrderClient{
		errs: []error{
			&ccxt.Error{Type: ccxt.InsufficientFundsErrType, Message: "insufficient margin"},
		},
	}
	exec := NewExecutor(client, testExecConfig(), nil)

	result, err := exec.Submit(context.Background(), marketBuy("req-reject"))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if result.Status != StatusRejected {
		t.Fatalf("expected rejected, got %s", result.Status)
	}
	if client.calls != 1 {
		t.Errorf("expected rejection without retry, got %d calls", client.calls)
	}
}

func TestSubmit_TransientExhaustionFailsRetryable(t *testing.T) {
	client := &mockOrderClient{
		errs: []error{
			&ccxt.Error{Type: ccxt.NetworkErrorErrType, Message: "down"},
			&ccxt.Error{Type: ccxt.NetworkErrorErrType, Message: "down"},
			&ccxt.Error{Type: ccxt.NetworkErrorErrType, Message: "down"},
		},
	}
	exec := NewExecutor(client, testExecConfig(), nil)

	result, err := exec.Submit(context.Background(), marketBuy("req-fail"))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if result.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if !result.Retryable {
		t.Errorf("expected retryable failure")
	}
	if client.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", client.calls)
	}
}

func TestSubmit_FailedRequestCanBeRetriedWithSameID(t *testing.T) {
	client := &mockOrderClient{
		errs: []error{
			&ccxt.Error{Type: ccxt.NetworkErrorErrType, Message: "down"},
			&ccxt.Error{Type: ccxt.NetworkErrorErrType, Message: "down"},
			&ccxt.Error{Type: ccxt.NetworkErrorErrType, Message: "down"},
		},
	}
	exec := NewExecutor(client, testExecConfig(), nil)

	first, err := exec.Submit(context.Background(), marketBuy("req-again"))
	if err != nil {
		t.Fatalf("first Submit returned error: %v", err)
	}
	if first.Status != StatusFailed {
		t.Fatalf("expected failed after exhausted retries, got %s", first.Status)
	}

	// 交易所恢复后，同一 client_request_id 的显式重试必须重新提交而非复用失败结果。
	second, err := exec.Submit(context.Background(), marketBuy("req-again"))
	if err != nil {
		t.Fatalf("retry Submit returned error: %v", err)
	}
	if second.Status != StatusFilled {
		t.Fatalf("expected fill on retry against healthy exchange, got %s (%s)", second.Status, second.Reason)
	}
	if client.calls != 4 {
		t.Errorf("expected 3 failed attempts plus 1 retry, got %d calls", client.calls)
	}

	// 成交后请求转为终局，再次提交返回缓存结果。
	third, err := exec.Submit(context.Background(), marketBuy("req-again"))
	if err != nil {
		t.Fatalf("duplicate Submit returned error: %v", err)
	}
	if third != second {
		t.Errorf("expected cached fill for duplicate request: %+v vs %+v", third, second)
	}
	if client.calls != 4 {
		t.Errorf("expected no exchange call after terminal fill, got %d", client.calls)
	}
}

func TestSubmit_InvalidRequestRejectedUpfront(t *testing.T) {
	client := &mockOrderClient{}
	exec := NewExecutor(client, testExecConfig(), nil)

	request := marketBuy("req-bad")
	request.Size = 0

	if _, err := exec.Submit(context.Background(), request); err == nil {
		t.Fatalf("expected validation error for zero size")
	}
	if client.calls != 0 {
		t.Errorf("expected no exchange call for invalid request, got %d", client.calls)
	}
}

func TestFromDecision_CloseGeneratesReduceOnlyOpposite(t *testing.T) {
	decision := ai.Decision{
		Signal:     ai.SignalClose,
		Symbol:     "BTC/USDT:USDT",
		Confidence: 0.7,
		Rationale:  "exit",
	}
	pos := account.Position{
		Symbol: "BTC/USDT:USDT",
		Side:   "LONG",
		Size:   0.4,
	}

	request, err := FromDecision(decision, pos, 5)
	if err != nil {
		t.Fatalf("FromDecision returned error: %v", err)
	}
	if request.Side != OrderSideSell {
		t.Errorf("expected sell to close long, got %s", request.Side)
	}
	if !request.ReduceOnly {
		t.Errorf("expected reduce-only close order")
	}
	if request.Size != 0.4 {
		t.Errorf("expected close size 0.4, got %f", request.Size)
	}
	if request.ClientRequestID == "" {
		t.Errorf("expected generated client_request_id")
	}
}

func TestFromDecision_HoldProducesNoOrder(t *testing.T) {
	if _, err := FromDecision(ai.Hold("BTC/USDT:USDT", "wait"), account.Position{}, 5); err == nil {
		t.Fatalf("expected error for HOLD decision")
	}
}

func TestSimulatedExecutor_IdempotentFill(t *testing.T) {
	exec := NewSimulatedExecutor(nil)

	first, err := exec.Submit(context.Background(), marketBuy("sim-req"))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	second, err := exec.Submit(context.Background(), marketBuy("sim-req"))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	if first.Status != StatusFilled {
		t.Fatalf("expected simulated fill, got %s", first.Status)
	}
	if first.OrderID != second.OrderID {
		t.Errorf("expected identical simulated order id, got %s vs %s", first.OrderID, second.OrderID)
	}
}
