package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"fenyr-trader/internal/ai"
	"fenyr-trader/internal/compliance"
)

// ErrCycleInProgress 表示同一交易对的上一轮协商尚未结束。
var ErrCycleInProgress = errors.New("agent: 该交易对的决策协商正在进行中")

// Engine 为大模型对话能力的最小接口。
type Engine interface {
	Chat(ctx context.Context, messages []openai.ChatCompletionMessage, tools []openai.Tool) (openai.ChatCompletionMessage, error)
}

type auditSink interface {
	AppendBestEffort(ctx context.Context, record compliance.Record)
}

// Outcome 为一轮协商的完整产出，供风控与合规留痕使用。
// Transcript 保留与模型往来的全部消息，即审计意义上的精确输入与输出。
type Outcome struct {
	Decision   ai.Decision
	Iterations int
	ToolCalls  int
	RawOutput  string
	Transcript []openai.ChatCompletionMessage
	Degraded   bool
	Reason     string
}

// Orchestrator 驱动工具调用式协商循环并产出终局决策。
// 同一交易对同一时刻只允许一轮协商。
type Orchestrator struct {
	engine        Engine
	toolbox       *Toolbox
	systemPrompt  string
	maxIterations int
	audit         auditSink
	logger        *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewOrchestrator 创建决策协商器。audit 可为 nil，表示不落协商过程记录。
func NewOrchestrator(engine Engine, toolbox *Toolbox, systemPrompt string, maxIterations int, audit auditSink, logger *zap.Logger) *Orchestrator {
	if maxIterations <= 0 {
		maxIterations = 8
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Orchestrator{
		engine:        engine,
		toolbox:       toolbox,
		systemPrompt:  systemPrompt,
		maxIterations: maxIterations,
		audit:         audit,
		logger:        logger,
		locks:         make(map[string]*sync.Mutex),
	}
}

// RunCycle 为指定交易对执行一轮完整协商。
// 协商过程中的任何失败都不会向上传播为错误，而是退化为 HOLD 决策，
// 保证调度器始终拿到一个可执行的安全结果。
func (o *Orchestrator) RunCycle(ctx context.Context, symbol string) (Outcome, error) {
	lock := o.symbolLock(symbol)
	if !lock.TryLock() {
		return Outcome{}, fmt.Errorf("%w: %s", ErrCycleInProgress, symbol)
	}
	defer lock.Unlock()

	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: o.systemPrompt,
		},
		{
			Role:    openai.ChatMessageRoleUser,
			Content: fmt.Sprintf("请为 %s 完成本轮分析并给出交易决策。", symbol),
		},
	}

	outcome := Outcome{}

	for iteration := 1; iteration <= o.maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}

		outcome.Iterations = iteration

		reply, err := o.engine.Chat(ctx, messages, ai.ToolDefinitions())
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return Outcome{}, err
			}
			o.logger.Error("协商轮次调用模型失败，退化为观望",
				zap.String("symbol", symbol),
				zap.Int("iteration", iteration),
				zap.Error(err),
			)
			return o.degrade(outcome, messages, symbol, fmt.Sprintf("模型调用失败: %v", err)), nil
		}

		messages = append(messages, reply)

		if len(reply.ToolCalls) > 0 {
			for _, call := range reply.ToolCalls {
				outcome.ToolCalls++
				result := o.toolbox.Dispatch(ctx, call.Function.Name, call.Function.Arguments)
				o.recordDispatch(ctx, symbol, iteration, call, result)
				o.logger.Debug("工具调用完成",
					zap.String("symbol", symbol),
					zap.Int("iteration", iteration),
					zap.String("tool", call.Function.Name),
				)
				messages = append(messages, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    result,
					ToolCallID: call.ID,
				})
			}
			continue
		}

		content := strings.TrimSpace(reply.Content)
		outcome.RawOutput = content

		decision, err := ai.ParseDecision(content)
		if err != nil {
			o.logger.Warn("模型终局输出不合法，退化为观望",
				zap.String("symbol", symbol),
				zap.String("raw_content", content),
				zap.Error(err),
			)
			return o.degrade(outcome, messages, symbol, fmt.Sprintf("终局输出不合法: %v", err)), nil
		}

		if !strings.EqualFold(decision.Symbol, symbol) {
			o.logger.Warn("决策交易对与本轮目标不一致，退化为观望",
				zap.String("expected", symbol),
				zap.String("actual", decision.Symbol),
			)
			return o.degrade(outcome, messages, symbol, fmt.Sprintf("决策交易对不一致: %s", decision.Symbol)), nil
		}

		outcome.Decision = decision
		outcome.Transcript = messages
		o.logger.Info("协商循环产出终局决策",
			zap.String("symbol", symbol),
			zap.String("signal", string(decision.Signal)),
			zap.Float64("size", decision.Size),
			zap.Float64("confidence", decision.Confidence),
			zap.Int("iterations", iteration),
			zap.Int("tool_calls", outcome.ToolCalls),
		)
		return outcome, nil
	}

	o.logger.Warn("协商迭代次数达到上限，退化为观望",
		zap.String("symbol", symbol),
		zap.Int("max_iterations", o.maxIterations),
	)
	return o.degrade(outcome, messages, symbol, fmt.Sprintf("协商迭代达到上限(%d)", o.maxIterations)), nil
}

// recordDispatch 为每次工具调用落一条审计记录，入参与出参原样保留。
func (o *Orchestrator) recordDispatch(ctx context.Context, symbol string, iteration int, call openai.ToolCall, result string) {
	if o.audit == nil {
		return
	}

	input, err := json.Marshal(map[string]interface{}{
		"tool_call_id": call.ID,
		"tool":         call.Function.Name,
		"arguments":    call.Function.Arguments,
		"iteration":    iteration,
	})
	if err != nil {
		input = []byte(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}

	o.audit.AppendBestEffort(ctx, compliance.Record{
		Stage:          compliance.StageToolDispatch,
		Symbol:         symbol,
		InputSnapshot:  string(input),
		OutputSnapshot: result,
	})
}

func (o *Orchestrator) degrade(outcome Outcome, messages []openai.ChatCompletionMessage, symbol, reason string) Outcome {
	outcome.Decision = ai.Hold(symbol, reason)
	outcome.Transcript = messages
	outcome.Degraded = true
	outcome.Reason = reason
	return outcome
}

func (o *Orchestrator) symbolLock(symbol string) *sync.Mutex {
	key := strings.ToUpper(symbol)

	o.mu.Lock()
	defer o.mu.Unlock()

	lock, ok := o.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[key] = lock
	}
	return lock
}
