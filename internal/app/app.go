package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fenyr-trader/internal/account"
	"fenyr-trader/internal/agent"
	"fenyr-trader/internal/ai"
	"fenyr-trader/internal/compliance"
	"fenyr-trader/internal/config"
	"fenyr-trader/internal/exchange"
	"fenyr-trader/internal/execution"
	"fenyr-trader/internal/indicator"
	"fenyr-trader/internal/risk"
	"fenyr-trader/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store

	runner   *CycleRunner
	recorder *compliance.Recorder
	metrics  *Metrics
}

// New 创建 App 并完成全部依赖装配。
func New(cfg *config.Config, logger *zap.Logger, st *store.Store) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: 配置不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if st == nil {
		return nil, errors.New("app: store 不能为空")
	}

	client, err := exchange.NewClient(cfg.Exchange, logger.Named("exchange"))
	if err != nil {
		return nil, err
	}

	marketData := exchange.NewMarketDataService(client, logger.Named("market"))
	calculator := indicator.NewCalculator()
	accounts := account.NewAccessor(client.Raw(), logger.Named("account"))

	engine, err := ai.NewClient(cfg.OpenAI, logger.Named("ai"))
	if err != nil {
		return nil, err
	}

	systemPrompt, err := ai.BuildSystemPrompt(ai.PromptParams{
		Objective:           cfg.Agent.Objective,
		Symbols:             cfg.Risk.AllowedSymbols,
		MaxPositionNotional: cfg.Risk.MaxPositionNotional,
		MaxLeverage:         cfg.Risk.MaxLeverage,
		MinConfidence:       cfg.Risk.MinConfidence,
	})
	if err != nil {
		return nil, err
	}

	recorder, err := compliance.NewRecorder(st, logger.Named("compliance"))
	if err != nil {
		return nil, err
	}

	toolbox := agent.NewToolbox(marketData, accounts, calculator, cfg.Agent.CandleLimit, logger.Named("tools"))
	orchestrator := agent.NewOrchestrator(engine, toolbox, systemPrompt, cfg.Agent.MaxIterations, recorder, logger.Named("agent"))

	validator := risk.NewValidator(cfg.Risk)

	var tracker dailyRiskTracker
	if cfg.Risk.EnableDailyStopLoss {
		dailyTracker, trackerErr := risk.NewDailyTracker(st.DB(), cfg.Risk, logger.Named("risk"))
		if trackerErr != nil {
			return nil, trackerErr
		}
		tracker = dailyTracker
	}

	var submitter execution.Submitter
	if cfg.Execution.Simulation {
		logger.Info("执行层运行在模拟模式，不会触达真实交易所")
		submitter = execution.NewSimulatedExecutor(logger.Named("execution"))
	} else {
		submitter = execution.NewExecutor(client.Raw(), cfg.Execution, logger.Named("execution"))
	}

	metrics := NewMetrics()
	runner := NewCycleRunner(
		orchestrator,
		accounts,
		client,
		validator,
		tracker,
		submitter,
		recorder,
		metrics,
		cfg.OpenAI.Model,
		cfg.Execution.Leverage,
		logger.Named("cycle"),
	)

	return &App{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		runner:   runner,
		recorder: recorder,
		metrics:  metrics,
	}, nil
}

// Run 启动主循环：按调度间隔为每个交易对并发执行决策周期，直到 ctx 取消。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("exchange", a.cfg.Exchange.Name),
		zap.Strings("symbols", a.cfg.Agent.Symbols),
		zap.Bool("simulation", a.cfg.Execution.Simulation),
	)

	group, groupCtx := errgroup.WithContext(ctx)

	if a.cfg.Monitor.Enabled {
		server := NewAuditServer(a.cfg.Monitor.Port, a.recorder, a.metrics, a.logger.Named("audit"))
		group.Go(func() error {
			return server.Start(groupCtx)
		})
	}

	group.Go(func() error {
		return a.loop(groupCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// RunOnce 为所有交易对执行单轮周期后返回，供命令行单次模式使用。
func (a *App) RunOnce(ctx context.Context) error {
	return a.tick(ctx)
}

func (a *App) loop(ctx context.Context) error {
	loopInterval := a.cfg.Scheduler.LoopInterval
	if loopInterval <= 0 {
		loopInterval = 5 * time.Minute
	}

	if err := a.tick(ctx); err != nil {
		a.logger.Error("首轮调度失败", zap.Error(err))
	}

	ticker := time.NewTicker(loopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("系统收到退出信号，正在停止")
			return ctx.Err()
		case <-ticker.C:
			if err := a.tick(ctx); err != nil {
				a.logger.Error("执行调度失败", zap.Error(err))
			}
		}
	}
}

// tick 并发驱动所有交易对；不同交易对互不阻塞，同一交易对由协商器内部互斥。
func (a *App) tick(ctx context.Context) error {
	cycleCtx := ctx
	var cancel context.CancelFunc
	if a.cfg.Scheduler.CycleTimeout > 0 {
		cycleCtx, cancel = context.WithTimeout(ctx, a.cfg.Scheduler.CycleTimeout)
		defer cancel()
	}

	group, groupCtx := errgroup.WithContext(cycleCtx)

	for _, symbol := range a.cfg.Agent.Symbols {
		symbol := symbol
		group.Go(func() error {
			result, err := a.runner.Run(groupCtx, symbol)
			if err != nil {
				a.logger.Error("决策周期异常",
					zap.String("symbol", symbol),
					zap.Error(err),
				)
				// 单个交易对的失败不应终止其他交易对的周期。
				return nil
			}
			a.logger.Info("周期结果",
				zap.String("symbol", symbol),
				zap.String("outcome", result.Outcome),
				zap.String("signal", string(result.Decision.Signal)),
				zap.String("detail", result.Detail),
			)
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return fmt.Errorf("调度执行失败: %w", err)
	}
	return nil
}

// Close 释放底层资源。
func (a *App) Close() error {
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}
