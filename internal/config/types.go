package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ExchangeConfig 描述交易所连接信息，行情与下单共用同一客户端。
type ExchangeConfig struct {
	Name       string      `mapstructure:"name"`
	APIKey     string      `mapstructure:"api_key"`
	APISecret  string      `mapstructure:"api_secret"`
	APIPass    string      `mapstructure:"api_password"`
	UseSandbox bool        `mapstructure:"use_sandbox"`
	Retry      RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// OpenAIConfig 描述大模型调用参数。
type OpenAIConfig struct {
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	Model      string        `mapstructure:"model"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// AgentConfig 控制决策协商循环。
type AgentConfig struct {
	Symbols       []string `mapstructure:"symbols"`
	MaxIterations int      `mapstructure:"max_iterations"`
	CandleLimit   int      `mapstructure:"candle_limit"`
	Objective     string   `mapstructure:"objective"`
}

// RiskConfig 管理风控参数。
type RiskConfig struct {
	AllowedSymbols      []string `mapstructure:"allowed_symbols"`
	MaxPositionNotional float64  `mapstructure:"max_position_notional"`
	MaxLeverage         float64  `mapstructure:"max_leverage"`
	MinConfidence       float64  `mapstructure:"min_confidence"`
	MaxDailyLoss        float64  `mapstructure:"max_daily_loss"`
	DailyLossResetHour  int      `mapstructure:"daily_loss_reset_hour"`
	EnableDailyStopLoss bool     `mapstructure:"enable_daily_stop_loss"`
}

// ExecutionConfig 控制下单行为。
type ExecutionConfig struct {
	Simulation  bool          `mapstructure:"simulation"`
	Leverage    float64       `mapstructure:"leverage"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// SchedulerConfig 控制主循环节奏。
type SchedulerConfig struct {
	LoopInterval time.Duration `mapstructure:"loop_interval"`
	CycleTimeout time.Duration `mapstructure:"cycle_timeout"`
}

// MonitorConfig 控制审计与指标服务。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Exchange.Name == "" {
		err = multierr.Append(err, errors.New("exchange.name 不能为空"))
	}
	if c.Exchange.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
	}
	if c.Exchange.Retry.MinDelay <= 0 || c.Exchange.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.delay 必须为正"))
	}
	if c.Exchange.Retry.MinDelay > c.Exchange.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("exchange.retry.min_delay 不能大于 max_delay"))
	}
	if c.OpenAI.APIKey == "" {
		err = multierr.Append(err, errors.New("openai.api_key 不能为空"))
	}
	if c.OpenAI.Model == "" {
		err = multierr.Append(err, errors.New("openai.model 不能为空"))
	}
	if c.OpenAI.Timeout <= 0 {
		err = multierr.Append(err, errors.New("openai.timeout 必须大于0"))
	}
	if c.OpenAI.MaxRetries < 0 {
		err = multierr.Append(err, errors.New("openai.max_retries 不能为负"))
	}
	if len(c.Agent.Symbols) == 0 {
		err = multierr.Append(err, errors.New("agent.symbols 至少包含一个交易对"))
	}
	if c.Agent.MaxIterations <= 0 {
		err = multierr.Append(err, errors.New("agent.max_iterations 必须大于0"))
	}
	if c.Agent.CandleLimit <= 0 {
		err = multierr.Append(err, errors.New("agent.candle_limit 必须大于0"))
	}
	if len(c.Risk.AllowedSymbols) == 0 {
		err = multierr.Append(err, errors.New("risk.allowed_symbols 至少包含一个交易对"))
	}
	for _, symbol := range c.Agent.Symbols {
		if !containsFold(c.Risk.AllowedSymbols, symbol) {
			err = multierr.Append(err, fmt.Errorf("agent.symbols 中的 %s 不在 risk.allowed_symbols 内", symbol))
		}
	}
	if c.Risk.MaxPositionNotional <= 0 {
		err = multierr.Append(err, errors.New("risk.max_position_notional 必须大于0"))
	}
	if c.Risk.MaxLeverage <= 0 {
		err = multierr.Append(err, errors.New("risk.max_leverage 必须大于0"))
	}
	if c.Risk.MinConfidence < 0 || c.Risk.MinConfidence > 1 {
		err = multierr.Append(err, errors.New("risk.min_confidence 必须位于[0,1]"))
	}
	if c.Risk.MaxDailyLoss <= 0 || c.Risk.MaxDailyLoss > 1 {
		err = multierr.Append(err, errors.New("risk.max_daily_loss 必须位于(0,1]"))
	}
	if c.Risk.EnableDailyStopLoss && (c.Risk.DailyLossResetHour < 0 || c.Risk.DailyLossResetHour > 23) {
		err = multierr.Append(err, errors.New("risk.daily_loss_reset_hour 必须位于[0,23]"))
	}
	if c.Execution.Leverage <= 0 {
		err = multierr.Append(err, errors.New("execution.leverage 必须大于0"))
	}
	if c.Execution.Leverage > c.Risk.MaxLeverage {
		err = multierr.Append(err, errors.New("execution.leverage 不能超过 risk.max_leverage"))
	}
	if c.Execution.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("execution.max_attempts 必须大于0"))
	}
	if c.Execution.MinDelay <= 0 || c.Execution.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("execution.delay 必须为正"))
	}
	if c.Execution.MinDelay > c.Execution.MaxDelay {
		err = multierr.Append(err, errors.New("execution.min_delay 不能大于 max_delay"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Scheduler.LoopInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.loop_interval 必须大于0"))
	}
	if c.Scheduler.CycleTimeout <= 0 {
		err = multierr.Append(err, errors.New("scheduler.cycle_timeout 必须大于0"))
	}
	if c.Scheduler.CycleTimeout > c.Scheduler.LoopInterval {
		err = multierr.Append(err, errors.New("scheduler.cycle_timeout 不应大于 loop_interval"))
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 必须位于(0,65535]"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

func containsFold(values []string, target string) bool {
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), strings.TrimSpace(target)) {
			return true
		}
	}
	return false
}
