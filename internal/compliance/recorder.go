package compliance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fenyr-trader/internal/store"
)

// Recorder 将合规记录追加写入 SQLite。
// 写入是尽力而为的：失败只记日志，绝不阻断交易周期。
type Recorder struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRecorder 创建合规记录器。表结构由 store 在启动时迁移完成。
func NewRecorder(st *store.Store, logger *zap.Logger) (*Recorder, error) {
	if st == nil {
		return nil, errors.New("compliance: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Recorder{
		db:     st.DB(),
		logger: logger,
	}, nil
}

// Append 写入一条合规记录。
func (r *Recorder) Append(ctx context.Context, record Record) error {
	if record.Stage == "" {
		return errors.New("compliance: stage 不能为空")
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	if len(record.Rationale) > maxRationaleLen {
		record.Rationale = record.Rationale[:maxRationaleLen]
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO compliance_records
		 (schema_version, stage, symbol, model_identifier, input_snapshot, output_snapshot, rationale, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		SchemaVersion, record.Stage, record.Symbol, record.ModelIdentifier,
		record.InputSnapshot, record.OutputSnapshot, record.Rationale,
		record.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("compliance: 写入记录失败: %w", err)
	}

	return nil
}

// AppendBestEffort 写入合规记录，失败只记日志。
// 审计留痕不能反过来拖垮交易主链路。
func (r *Recorder) AppendBestEffort(ctx context.Context, record Record) {
	if err := r.Append(ctx, record); err != nil {
		r.logger.Warn("写入合规记录失败",
			zap.String("stage", record.Stage),
			zap.String("symbol", record.Symbol),
			zap.Error(err),
		)
	}
}

// List 按条件倒序查询合规记录。
func (r *Recorder) List(ctx context.Context, query Query) ([]Record, error) {
	if query.Limit <= 0 || query.Limit > 500 {
		query.Limit = 100
	}

	sqlQuery := `SELECT id, schema_version, stage, symbol, model_identifier, input_snapshot, output_snapshot, rationale, created_at
		FROM compliance_records`
	var (
		conditions []string
		args       []interface{}
	)
	if query.Stage != "" {
		conditions = append(conditions, "stage = ?")
		args = append(args, query.Stage)
	}
	if query.Symbol != "" {
		conditions = append(conditions, "symbol = ?")
		args = append(args, query.Symbol)
	}
	for i, cond := range conditions {
		if i == 0 {
			sqlQuery += " WHERE " + cond
		} else {
			sqlQuery += " AND " + cond
		}
	}
	sqlQuery += " ORDER BY id DESC LIMIT ?"
	args = append(args, query.Limit)

	rows, err := r.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("compliance: 查询记录失败: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			record    Record
			createdAt string
		)
		if err = rows.Scan(&record.ID, &record.SchemaVersion, &record.Stage, &record.Symbol,
			&record.ModelIdentifier, &record.InputSnapshot, &record.OutputSnapshot,
			&record.Rationale, &createdAt); err != nil {
			return nil, fmt.Errorf("compliance: 扫描记录失败: %w", err)
		}
		if ts, parseErr := time.Parse(time.RFC3339Nano, createdAt); parseErr == nil {
			record.Timestamp = ts
		}
		records = append(records, record)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("compliance: 遍历记录失败: %w", err)
	}

	return records, nil
}

// CountByStage 统计指定阶段的记录数，用于测试与自检。
func (r *Recorder) CountByStage(ctx context.Context, stage string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM compliance_records WHERE stage = ?`, stage,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("compliance: 统计记录失败: %w", err)
	}
	return count, nil
}
