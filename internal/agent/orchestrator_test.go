package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/sashabaranov/go-openai"

	"fenyr-trader/internal/account"
	"fenyr-trader/internal/ai"
	"fenyr-trader/internal/compliance"
	"fenyr-trader/internal/exchange"
	"fenyr-trader/internal/indicator"
)

type memorySink struct {
	mu      sync.Mutex
	records []compliance.Record
}

func (s *memorySink) AppendBestEffort(_ context.Context, record compliance.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
}

const testSymbol = "BTC/USDT:USDT"

type scriptEngine struct {
	mu      sync.Mutex
	replies []openai.ChatCompletionMessage
	index   int
	seen    [][]openai.ChatCompletionMessage
	gate    chan struct{}
	entered chan struct{}
}

func (e *scriptEngine) Chat(_ context.Context, messages []openai.ChatCompletionMessage, _ []openai.Tool) (openai.ChatCompletionMessage, error) {
	if e.entered != nil {
		e.entered <- struct{}{}
	}
	if e.gate != nil {
		<-e.gate
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.seen = append(e.seen, append([]openai.ChatCompletionMessage(nil), messages...))
	if e.index >= len(e.replies) {
		return openai.ChatCompletionMessage{}, errors.New("script exhausted")
	}
	reply := e.replies[e.index]
	e.index++
	return reply, nil
}

type fakeMarket struct {
	snapshot exchange.MarketSnapshot
	err      error
	calls    int
}

func (f *fakeMarket) GetSnapshot(_ context.Context, symbol string, _ exchange.SnapshotRequest) (exchange.MarketSnapshot, error) {
	f.calls++
	if f.err != nil {
		return exchange.MarketSnapshot{}, f.err
	}
	snapshot := f.snapshot
	snapshot.Symbol = symbol
	return snapshot, nil
}

type fakeAccounts struct {
	state account.State
	err   error
}

func (f *fakeAccounts) State(_ context.Context) (account.State, error) {
	if f.err != nil {
		return account.State{}, f.err
	}
	return f.state, nil
}

type fakeCalc struct {
	report indicator.Report
	err    error
	kinds  []indicator.Kind
}

func (f *fakeCalc) Compute(symbol string, _ []exchange.Candle, kinds []indicator.Kind) (indicator.Report, error) {
	f.kinds = kinds
	if f.err != nil {
		return indicator.Report{}, f.err
	}
	report := f.report
	report.Symbol = symbol
	return report, nil
}

func newTestToolbox() *Toolbox {
	return NewToolbox(&fakeMarket{}, &fakeAccounts{}, &fakeCalc{}, 120, nil)
}

func assistantToolCall(id, name, args string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleAssistant,
		ToolCalls: []openai.ToolCall{
			{
				ID:   id,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      name,
					Arguments: args,
				},
			},
		},
	}
}

func assistantText(content string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: content,
	}
}

func TestRunCycle_ToolLoopProducesDecision(t *testing.T) {
	engine := &scriptEngine{
		replies: []openai.ChatCompletionMessage{
			assistantToolCall("call-1", ai.ToolGetMarketData, `{"symbol":"BTC/USDT:USDT"}`),
			assistantText(`{"signal":"OPEN_LONG","symbol":"BTC/USDT:USDT","size":0.5,"confidence":0.8,"rationale":"trend up"}`),
		},
	}

	orch := NewOrchestrator(engine, newTestToolbox(), "system", 8, nil, nil)
	outcome, err := orch.RunCycle(context.Background(), testSymbol)
	if err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}

	if outcome.Decision.Signal != ai.SignalOpenLong {
		t.Fatalf("expected OPEN_LONG, got %s", outcome.Decision.Signal)
	}
	if outcome.Degraded {
		t.Errorf("expected non-degraded outcome, reason=%s", outcome.Reason)
	}
	if outcome.Iterations != 2 {
		t.Errorf("expected 2 iterations, got %d", outcome.Iterations)
	}
	if outcome.ToolCalls != 1 {
		t.Errorf("expected 1 tool call, got %d", outcome.ToolCalls)
	}

	// 第二轮请求必须携带 assistant 工具调用与对应的 tool 结果。
	if len(engine.seen) != 2 {
		t.Fatalf("expected engine invoked twice, got %d", len(engine.seen))
	}
	second := engine.seen[1]
	last := second[len(second)-1]
	if last.Role != openai.ChatMessageRoleTool {
		t.Fatalf("expected last message role tool, got %s", last.Role)
	}
	if last.ToolCallID != "call-1" {
		t.Errorf("expected tool message correlated to call-1, got %s", last.ToolCallID)
	}
	prev := second[len(second)-2]
	if prev.Role != openai.ChatMessageRoleAssistant || len(prev.ToolCalls) != 1 {
		t.Errorf("expected assistant tool-call message before tool result")
	}
}

func TestRunCycle_EveryToolDispatchLeavesAuditRecord(t *testing.T) {
	engine := &scriptEngine{
		replies: []openai.ChatCompletionMessage{
			assistantToolCall("call-1", ai.ToolGetMarketData, `{"symbol":"BTC/USDT:USDT"}`),
			assistantToolCall("call-2", ai.ToolGetAccountStatus, `{}`),
			assistantText(`{"signal":"HOLD","symbol":"BTC/USDT:USDT","size":0,"confidence":0.3,"rationale":"wait"}`),
		},
	}
	sink := &memorySink{}

	orch := NewOrchestrator(engine, newTestToolbox(), "system", 8, sink, nil)
	outcome, err := orch.RunCycle(context.Background(), testSymbol)
	if err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}

	if len(sink.records) != 2 {
		t.Fatalf("expected 1 audit record per tool dispatch, got %d", len(sink.records))
	}
	first := sink.records[0]
	if first.Stage != compliance.StageToolDispatch {
		t.Errorf("expected stage %q, got %q", compliance.StageToolDispatch, first.Stage)
	}
	if first.Symbol != testSymbol {
		t.Errorf("expected record bound to cycle symbol, got %s", first.Symbol)
	}
	if !strings.Contains(first.InputSnapshot, ai.ToolGetMarketData) ||
		!strings.Contains(first.InputSnapshot, "call-1") {
		t.Errorf("expected tool call payload in input snapshot, got %s", first.InputSnapshot)
	}
	if first.OutputSnapshot == "" {
		t.Errorf("expected tool result in output snapshot")
	}
	if !strings.Contains(sink.records[1].InputSnapshot, ai.ToolGetAccountStatus) {
		t.Errorf("expected second dispatch record for %s, got %s", ai.ToolGetAccountStatus, sink.records[1].InputSnapshot)
	}

	// 协商产出必须携带与模型往来的完整消息，供策略阶段审计记录使用。
	if len(outcome.Transcript) == 0 {
		t.Fatalf("expected transcript on outcome")
	}
	last := outcome.Transcript[len(outcome.Transcript)-1]
	if last.Role != openai.ChatMessageRoleAssistant || last.Content == "" {
		t.Errorf("expected transcript to end with the terminal assistant output")
	}
}

func TestRunCycle_MultipleToolCallsAnsweredInIssueOrder(t *testing.T) {
	engine := &scriptEngine{
		replies: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{
					{
						ID:   "call-1",
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      ai.ToolGetMarketData,
							Arguments: `{"symbol":"BTC/USDT:USDT"}`,
						},
					},
					{
						ID:   "call-2",
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      ai.ToolGetAccountStatus,
							Arguments: `{}`,
						},
					},
				},
			},
			assistantText(`{"signal":"HOLD","symbol":"BTC/USDT:USDT","size":0,"confidence":0.3,"rationale":"wait"}`),
		},
	}

	orch := NewOrchestrator(engine, newTestToolbox(), "system", 8, nil, nil)
	outcome, err := orch.RunCycle(context.Background(), testSymbol)
	if err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}
	if outcome.ToolCalls != 2 {
		t.Errorf("expected 2 tool calls, got %d", outcome.ToolCalls)
	}

	// 同一轮内的多个工具调用必须按下发顺序逐一应答，且逐一对应 ToolCallID。
	if len(engine.seen) != 2 {
		t.Fatalf("expected engine invoked twice, got %d", len(engine.seen))
	}
	second := engine.seen[1]
	if len(second) < 3 {
		t.Fatalf("expected assistant turn plus two tool turns, got %d messages", len(second))
	}
	firstTool := second[len(second)-2]
	secondTool := second[len(second)-1]
	if firstTool.Role != openai.ChatMessageRoleTool || secondTool.Role != openai.ChatMessageRoleTool {
		t.Fatalf("expected two trailing tool messages, got roles %s/%s", firstTool.Role, secondTool.Role)
	}
	if firstTool.ToolCallID != "call-1" || secondTool.ToolCallID != "call-2" {
		t.Errorf("expected tool results in issue order call-1,call-2, got %s,%s",
			firstTool.ToolCallID, secondTool.ToolCallID)
	}
	issuer := second[len(second)-3]
	if issuer.Role != openai.ChatMessageRoleAssistant || len(issuer.ToolCalls) != 2 {
		t.Errorf("expected the issuing assistant turn to precede both tool results")
	}
}

func TestRunCycle_UnknownToolReturnsErrorPayload(t *testing.T) {
	engine := &scriptEngine{
		replies: []openai.ChatCompletionMessage{
			assistantToolCall("call-1", "get_weather", `{"city":"tokyo"}`),
			assistantText(`{"signal":"HOLD","symbol":"BTC/USDT:USDT","size":0,"confidence":0.2,"rationale":"insufficient data"}`),
		},
	}

	orch := NewOrchestrator(engine, newTestToolbox(), "system", 8, nil, nil)
	outcome, err := orch.RunCycle(context.Background(), testSymbol)
	if err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}

	if outcome.Decision.Signal != ai.SignalHold {
		t.Fatalf("expected HOLD, got %s", outcome.Decision.Signal)
	}

	second := engine.seen[1]
	last := second[len(second)-1]
	if last.Role != openai.ChatMessageRoleTool {
		t.Fatalf("expected tool message for unknown tool, got role %s", last.Role)
	}
	if !strings.Contains(last.Content, "Unknown tool: get_weather") {
		t.Errorf("expected unknown-tool error payload, got %s", last.Content)
	}
}

func TestRunCycle_IterationCapFallsBackToHold(t *testing.T) {
	replies := make([]openai.ChatCompletionMessage, 0, 8)
	for i := 0; i < 8; i++ {
		replies = append(replies, assistantToolCall("call-x", ai.ToolGetAccountStatus, `{}`))
	}
	engine := &scriptEngine{replies: replies}

	orch := NewOrchestrator(engine, newTestToolbox(), "system", 8, nil, nil)
	outcome, err := orch.RunCycle(context.Background(), testSymbol)
	if err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}

	if outcome.Decision.Signal != ai.SignalHold {
		t.Fatalf("expected HOLD after iteration cap, got %s", outcome.Decision.Signal)
	}
	if outcome.Decision.Confidence != 0 {
		t.Errorf("expected zero confidence fallback, got %f", outcome.Decision.Confidence)
	}
	if !outcome.Degraded {
		t.Errorf("expected degraded outcome")
	}
	if outcome.Iterations != 8 {
		t.Errorf("expected 8 iterations, got %d", outcome.Iterations)
	}
}

func TestRunCycle_MalformedOutputFallsBackToHold(t *testing.T) {
	engine := &scriptEngine{
		replies: []openai.ChatCompletionMessage{
			assistantText("I think we should buy a lot of bitcoin right now!"),
		},
	}

	orch := NewOrchestrator(engine, newTestToolbox(), "system", 8, nil, nil)
	outcome, err := orch.RunCycle(context.Background(), testSymbol)
	if err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}

	if outcome.Decision.Signal != ai.SignalHold {
		t.Fatalf("expected HOLD for malformed output, got %s", outcome.Decision.Signal)
	}
	if !outcome.Degraded {
		t.Errorf("expected degraded outcome")
	}
}

func TestRunCycle_SymbolMismatchFallsBackToHold(t *testing.T) {
	engine := &scriptEngine{
		replies: []openai.ChatCompletionMessage{
			assistantText(`{"signal":"OPEN_SHORT","symbol":"ETH/USDT:USDT","size":1,"confidence":0.9,"rationale":"wrong pair"}`),
		},
	}

	orch := NewOrchestrator(engine, newTestToolbox(), "system", 8, nil, nil)
	outcome, err := orch.RunCycle(context.Background(), testSymbol)
	if err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}

	if outcome.Decision.Signal != ai.SignalHold {
		t.Fatalf("expected HOLD on symbol mismatch, got %s", outcome.Decision.Signal)
	}
	if !strings.EqualFold(outcome.Decision.Symbol, testSymbol) {
		t.Errorf("expected fallback decision bound to cycle symbol, got %s", outcome.Decision.Symbol)
	}
}

func TestRunCycle_EngineFailureFallsBackToHold(t *testing.T) {
	engine := &scriptEngine{} // 无脚本，首轮即失败。

	orch := NewOrchestrator(engine, newTestToolbox(), "system", 8, nil, nil)
	outcome, err := orch.RunCycle(context.Background(), testSymbol)
	if err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}

	if outcome.Decision.Signal != ai.SignalHold {
		t.Fatalf("expected HOLD on engine failure, got %s", outcome.Decision.Signal)
	}
	if !outcome.Degraded {
		t.Errorf("expected degraded outcome")
	}
}

func TestRunCycle_PerSymbolMutualExclusion(t *testing.T) {
	engine := &scriptEngine{
		replies: []openai.ChatCompletionMessage{
			assistantText(`{"signal":"HOLD","symbol":"BTC/USDT:USDT","size":0,"confidence":0.1,"rationale":"wait"}`),
		},
		gate:    make(chan struct{}),
		entered: make(chan struct{}, 1),
	}

	orch := NewOrchestrator(engine, newTestToolbox(), "system", 8, nil, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := orch.RunCycle(context.Background(), testSymbol); err != nil {
			t.Errorf("first RunCycle returned error: %v", err)
		}
	}()

	<-engine.entered

	if _, err := orch.RunCycle(context.Background(), testSymbol); !errors.Is(err, ErrCycleInProgress) {
		t.Fatalf("expected ErrCycleInProgress for concurrent cycle, got %v", err)
	}

	close(engine.gate)
	<-done
}

type perSymbolEngine struct {
	gate chan struct{}
}

func (e *perSymbolEngine) Chat(_ context.Context, messages []openai.ChatCompletionMessage, _ []openai.Tool) (openai.ChatCompletionMessage, error) {
	prompt := messages[1].Content
	if strings.Contains(prompt, "BTC") {
		<-e.gate
		return assistantText(`{"signal":"HOLD","symbol":"BTC/USDT:USDT","size":0,"confidence":0.1,"rationale":"wait"}`), nil
	}
	return assistantText(`{"signal":"HOLD","symbol":"ETH/USDT:USDT","size":0,"confidence":0.1,"rationale":"wait"}`), nil
}

func TestRunCycle_DistinctSymbolsRunConcurrently(t *testing.T) {
	engine := &perSymbolEngine{gate: make(chan struct{})}
	orch := NewOrchestrator(engine, newTestToolbox(), "system", 8, nil, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := orch.RunCycle(context.Background(), testSymbol); err != nil {
			t.Errorf("BTC RunCycle returned error: %v", err)
		}
	}()

	// BTC 周期被阻塞时，ETH 周期必须照常完成。
	outcome, err := orch.RunCycle(context.Background(), "ETH/USDT:USDT")
	if err != nil {
		t.Fatalf("ETH RunCycle returned error: %v", err)
	}
	if outcome.Decision.Signal != ai.SignalHold {
		t.Errorf("unexpected ETH decision %s", outcome.Decision.Signal)
	}

	close(engine.gate)
	<-done
}

func TestToolboxDispatch_MissingSymbolReturnsErrorPayload(t *testing.T) {
	market := &fakeMarket{}
	toolbox := NewToolbox(market, &fakeAccounts{}, &fakeCalc{}, 120, nil)

	result := toolbox.Dispatch(context.Background(), ai.ToolGetMarketData, `{}`)
	if !strings.Contains(result, "error") || !strings.Contains(result, "symbol") {
		t.Fatalf("expected missing-symbol error payload, got %s", result)
	}
	if market.calls != 0 {
		t.Errorf("expected no upstream call on invalid args, got %d", market.calls)
	}
}

func TestToolboxDispatch_UnknownIndicatorReturnsErrorPayload(t *testing.T) {
	market := &fakeMarket{}
	toolbox := NewToolbox(market, &fakeAccounts{}, &fakeCalc{}, 120, nil)

	result := toolbox.Dispatch(context.Background(), ai.ToolGetTechnicalIndicators,
		`{"symbol":"BTC/USDT:USDT","indicators":["magic_wave"]}`)
	if !strings.Contains(result, "error") {
		t.Fatalf("expected unknown-indicator error payload, got %s", result)
	}
	if market.calls != 0 {
		t.Errorf("expected indicator validation before fetching candles, got %d calls", market.calls)
	}
}

func TestToolboxDispatch_FundingRate(t *testing.T) {
	rate := 0.0001
	market := &fakeMarket{
		snapshot: exchange.MarketSnapshot{
			Funding: exchange.FundingSnapshot{FundingRate: rate},
		},
	}
	toolbox := NewToolbox(market, &fakeAccounts{}, &fakeCalc{}, 120, nil)

	result := toolbox.Dispatch(context.Background(), ai.ToolGetFundingRate, `{"symbol":"BTC/USDT:USDT"}`)
	if strings.Contains(result, "error") {
		t.Fatalf("unexpected error payload: %s", result)
	}
	if !strings.Contains(result, "funding_rate") {
		t.Errorf("expected funding_rate field in payload, got %s", result)
	}
}
