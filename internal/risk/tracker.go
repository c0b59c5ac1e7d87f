package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fenyr-trader/internal/config"
)

// DailyTracker 维护日度净值与亏损停机状态。
// 交易日按配置的重置小时切换，停机标记一旦置位，当日内不再清除。
type DailyTracker struct {
	db     *sql.DB
	cfg    config.RiskConfig
	logger *zap.Logger
}

// NewDailyTracker 创建日度追踪器。daily_equity 表由 store 在启动时迁移完成。
func NewDailyTracker(db *sql.DB, cfg config.RiskConfig, logger *zap.Logger) (*DailyTracker, error) {
	if db == nil {
		return nil, errors.New("risk: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DailyTracker{
		db:     db,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Update 用最新净值刷新当日记录并返回状态。
// 当日首次调用以该净值作为起始净值；亏损超过上限时置位停机标记。
func (t *DailyTracker) Update(ctx context.Context, ts time.Time, equity float64) (DailyStatus, error) {
	tradingDate := tradingDay(ts, t.cfg.DailyLossResetHour)
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := t.db.ExecContext(ctx,
		`INSERT INTO daily_equity (trading_date, start_equity, current_equity, halted, updated_at)
		 VALUES (?, ?, ?, 0, ?)
		 ON CONFLICT(trading_date) DO UPDATE SET current_equity = excluded.current_equity, updated_at = excluded.updated_at`,
		tradingDate, equity, equity, now,
	)
	if err != nil {
		return DailyStatus{}, fmt.Errorf("risk: 更新日度净值失败: %w", err)
	}

	status, err := t.load(ctx, tradingDate)
	if err != nil {
		return DailyStatus{}, err
	}

	if t.cfg.EnableDailyStopLoss && !status.Halted &&
		status.StartEquity > 0 && status.LossPercent <= -t.cfg.MaxDailyLoss {
		if _, err = t.db.ExecContext(ctx,
			`UPDATE daily_equity SET halted = 1, updated_at = ? WHERE trading_date = ?`,
			now, tradingDate,
		); err != nil {
			return DailyStatus{}, fmt.Errorf("risk: 置位日度停机标记失败: %w", err)
		}
		status.Halted = true

		t.logger.Warn("当日累计亏损触及上限，停止新开仓",
			zap.String("trading_date", tradingDate),
			zap.Float64("loss_percent", status.LossPercent),
			zap.Float64("max_daily_loss", t.cfg.MaxDailyLoss),
		)
	}

	return status, nil
}

// Status 查询指定时刻所属交易日的状态，没有记录时返回零值状态。
func (t *DailyTracker) Status(ctx context.Context, ts time.Time) (DailyStatus, error) {
	tradingDate := tradingDay(ts, t.cfg.DailyLossResetHour)

	status, err := t.load(ctx, tradingDate)
	if errors.Is(err, sql.ErrNoRows) {
		return DailyStatus{TradingDate: tradingDate}, nil
	}
	return status, err
}

func (t *DailyTracker) load(ctx context.Context, tradingDate string) (DailyStatus, error) {
	var (
		status    DailyStatus
		haltedInt int
	)

	row := t.db.QueryRowContext(ctx,
		`SELECT start_equity, current_equity, halted FROM daily_equity WHERE trading_date = ?`,
		tradingDate,
	)
	if err := row.Scan(&status.StartEquity, &status.CurrentEquity, &haltedInt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DailyStatus{}, err
		}
		return DailyStatus{}, fmt.Errorf("risk: 查询日度净值失败: %w", err)
	}

	status.TradingDate = tradingDate
	status.Halted = haltedInt == 1
	if status.StartEquity > 0 {
		status.LossPercent = (status.CurrentEquity - status.StartEquity) / status.StartEquity
	}

	return status, nil
}

// tradingDay 按重置小时归一化交易日，重置时刻之前算作前一日。
func tradingDay(ts time.Time, resetHour int) string {
	utc := ts.UTC()
	if resetHour < 0 || resetHour > 23 {
		resetHour = 0
	}
	if utc.Hour() < resetHour {
		utc = utc.AddDate(0, 0, -1)
	}
	return utc.Format("2006-01-02")
}
