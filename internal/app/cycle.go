package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fenyr-trader/internal/account"
	"fenyr-trader/internal/agent"
	"fenyr-trader/internal/ai"
	"fenyr-trader/internal/compliance"
	"fenyr-trader/internal/exchange"
	"fenyr-trader/internal/execution"
	"fenyr-trader/internal/risk"
)

type decisionEngine interface {
	RunCycle(ctx context.Context, symbol string) (agent.Outcome, error)
}

type accountSource interface {
	State(ctx context.Context) (account.State, error)
}

type tickerSource interface {
	FetchTicker(ctx context.Context, symbol string) (exchange.TickerSnapshot, error)
}

type dailyRiskTracker interface {
	Update(ctx context.Context, ts time.Time, equity float64) (risk.DailyStatus, error)
}

// 周期结果分类，用于日志与指标。
const (
	OutcomeHold     = "hold"
	OutcomeFilled   = "filled"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
	OutcomeSkipped  = "skipped"
)

// CycleResult 为一个决策周期的完整产出。
type CycleResult struct {
	Symbol    string                     `json:"symbol"`
	Outcome   string                     `json:"outcome"`
	Decision  ai.Decision                `json:"decision"`
	Verdict   risk.Verdict               `json:"verdict"`
	Execution *execution.ExecutionResult `json:"execution,omitempty"`
	Detail    string                     `json:"detail,omitempty"`
}

// CycleRunner 将协商、风控、执行与合规留痕串成一个决策周期。
type CycleRunner struct {
	orchestrator decisionEngine
	accounts     accountSource
	tickers      tickerSource
	validator    *risk.Validator
	tracker      dailyRiskTracker
	executor     execution.Submitter
	recorder     *compliance.Recorder
	metrics      *Metrics
	logger       *zap.Logger

	model    string
	leverage float64
}

// NewCycleRunner 创建周期执行器。tracker 可为 nil，表示不启用日度停机。
func NewCycleRunner(
	orchestrator decisionEngine,
	accounts accountSource,
	tickers tickerSource,
	validator *risk.Validator,
	tracker dailyRiskTracker,
	executor execution.Submitter,
	recorder *compliance.Recorder,
	metrics *Metrics,
	model string,
	leverage float64,
	logger *zap.Logger,
) *CycleRunner {
	if metrics == nil {
		metrics = NewMetrics()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CycleRunner{
		orchestrator: orchestrator,
		accounts:     accounts,
		tickers:      tickers,
		validator:    validator,
		tracker:      tracker,
		executor:     executor,
		recorder:     recorder,
		metrics:      metrics,
		logger:       logger,
		model:        model,
		leverage:     leverage,
	}
}

// Run 为单个交易对执行一个完整决策周期。
// 决策产生后必须先落合规记录再进入执行；风控拒绝是正常终态而非错误。
func (r *CycleRunner) Run(ctx context.Context, symbol string) (CycleResult, error) {
	start := time.Now()
	result := CycleResult{Symbol: symbol}

	defer func() {
		if result.Outcome != "" {
			r.metrics.observeCycle(symbol, result.Outcome, time.Since(start).Seconds())
		}
	}()

	outcome, err := r.orchestrator.RunCycle(ctx, symbol)
	if err != nil {
		if errors.Is(err, agent.ErrCycleInProgress) {
			result.Outcome = OutcomeSkipped
			result.Detail = "上一轮协商尚未结束"
			return result, nil
		}
		return CycleResult{}, err
	}

	result.Decision = outcome.Decision
	r.metrics.observeDecision(symbol, string(outcome.Decision.Signal))

	// 决策一经产生先落合规记录，之后才允许触达执行。
	// 输入侧保留与模型往来的完整消息，输出侧保留原始终局文本与解析后的决策。
	r.recordStage(ctx, compliance.StageStrategyGeneration, symbol, map[string]interface{}{
		"symbol":     symbol,
		"iterations": outcome.Iterations,
		"tool_calls": outcome.ToolCalls,
		"transcript": outcome.Transcript,
	}, map[string]interface{}{
		"decision":   outcome.Decision,
		"raw_output": outcome.RawOutput,
	}, outcome.Decision.Rationale)

	if !outcome.Decision.IsActionable() {
		result.Outcome = OutcomeHold
		result.Verdict = risk.Approve()
		result.Detail = outcome.Reason
		return result, nil
	}

	state, err := r.accounts.State(ctx)
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Detail = fmt.Sprintf("获取账户状态失败: %v", err)
		r.logger.Error("周期中断：账户状态不可用", zap.String("symbol", symbol), zap.Error(err))
		return result, nil
	}
	r.metrics.observeEquity(state.TotalEquity)

	if halted, haltErr := r.dailyHalted(ctx, state, outcome.Decision); haltErr != nil {
		r.logger.Warn("日度风控状态更新失败", zap.String("symbol", symbol), zap.Error(haltErr))
	} else if halted {
		result.Outcome = OutcomeRejected
		result.Verdict = risk.Reject("daily_loss_halted", "当日累计亏损已触及上限，停止新开仓")
		result.Detail = result.Verdict.Detail
		r.metrics.observeVerdict(symbol, result.Verdict.Reason)
		r.recordStage(ctx, compliance.StageRiskValidation, symbol, outcome.Decision, result.Verdict, result.Verdict.Detail)
		return result, nil
	}

	markPrice, err := r.markPrice(ctx, symbol)
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Detail = fmt.Sprintf("获取市价失败: %v", err)
		r.logger.Error("周期中断：市价不可用", zap.String("symbol", symbol), zap.Error(err))
		return result, nil
	}

	verdict := r.validator.Validate(outcome.Decision, state, markPrice)
	result.Verdict = verdict
	r.recordStage(ctx, compliance.StageRiskValidation, symbol, outcome.Decision, verdict, verdict.Detail)

	if !verdict.Approved {
		result.Outcome = OutcomeRejected
		result.Detail = verdict.Detail
		r.metrics.observeVerdict(symbol, verdict.Reason)
		r.logger.Info("风控拒绝决策",
			zap.String("symbol", symbol),
			zap.String("signal", string(outcome.Decision.Signal)),
			zap.String("reason", verdict.Reason),
		)
		return result, nil
	}
	r.metrics.observeVerdict(symbol, "approved")

	pos, _ := state.PositionFor(symbol)
	request, err := execution.FromDecision(outcome.Decision, pos, r.leverage)
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Detail = fmt.Sprintf("构建订单失败: %v", err)
		r.logger.Error("构建订单失败", zap.String("symbol", symbol), zap.Error(err))
		return result, nil
	}

	execResult, err := r.executor.Submit(ctx, request)
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Detail = fmt.Sprintf("提交订单失败: %v", err)
		return result, nil
	}

	result.Execution = &execResult
	r.metrics.observeOrder(symbol, string(execResult.Status))
	r.recordStage(ctx, compliance.StageOrderExecution, symbol, request, execResult, "")

	switch execResult.Status {
	case execution.StatusFilled:
		result.Outcome = OutcomeFilled
	case execution.StatusRejected:
		result.Outcome = OutcomeRejected
		result.Detail = execResult.Reason
	default:
		result.Outcome = OutcomeFailed
		result.Detail = execResult.Reason
	}

	r.logger.Info("决策周期完成",
		zap.String("symbol", symbol),
		zap.String("outcome", result.Outcome),
		zap.String("signal", string(outcome.Decision.Signal)),
		zap.Duration("elapsed", time.Since(start)),
	)

	return result, nil
}

// dailyHalted 更新日度净值并判断是否需要阻止新开仓。CLOSE 不受停机限制。
func (r *CycleRunner) dailyHalted(ctx context.Context, state account.State, decision ai.Decision) (bool, error) {
	if r.tracker == nil {
		return false, nil
	}

	status, err := r.tracker.Update(ctx, state.Timestamp, state.TotalEquity)
	if err != nil {
		return false, err
	}

	isOpen := decision.Signal == ai.SignalOpenLong || decision.Signal == ai.SignalOpenShort
	return status.Halted && isOpen, nil
}

func (r *CycleRunner) markPrice(ctx context.Context, symbol string) (float64, error) {
	ticker, err := r.tickers.FetchTicker(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if ticker.Last <= 0 {
		return 0, fmt.Errorf("交易对 %s 无有效最新价", symbol)
	}
	return ticker.Last, nil
}

func (r *CycleRunner) recordStage(ctx context.Context, stage, symbol string, input, output interface{}, rationale string) {
	if r.recorder == nil {
		return
	}

	r.recorder.AppendBestEffort(ctx, compliance.Record{
		Stage:           stage,
		Symbol:          symbol,
		ModelIdentifier: r.model,
		InputSnapshot:   marshalSnapshot(input),
		OutputSnapshot:  marshalSnapshot(output),
		Rationale:       rationale,
	})
}

func marshalSnapshot(v interface{}) string {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"marshal_error":%q}`, err.Error())
	}
	return string(payload)
}
