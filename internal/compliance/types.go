package compliance

import "time"

// SchemaVersion 为合规记录的当前结构版本。
const SchemaVersion = 1

// 决策周期各阶段的稳定标识。
const (
	StageToolDispatch       = "Tool Dispatch"
	StageStrategyGeneration = "Strategy Generation"
	StageRiskValidation     = "Risk Validation"
	StageOrderExecution     = "Order Execution"
)

// maxRationaleLen 限制入库的推理文本长度。
const maxRationaleLen = 1000

// Record 为一条不可变的合规审计记录。
// 每个决策周期的每个阶段至少产生一条记录；记录写入后不允许修改或删除。
type Record struct {
	ID              int64     `json:"id,omitempty"`
	SchemaVersion   int       `json:"schema_version"`
	Stage           string    `json:"stage"`
	Symbol          string    `json:"symbol"`
	ModelIdentifier string    `json:"model_identifier,omitempty"`
	InputSnapshot   string    `json:"input_snapshot"`
	OutputSnapshot  string    `json:"output_snapshot"`
	Rationale       string    `json:"rationale,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Query 控制合规记录的查询范围。
type Query struct {
	Stage  string
	Symbol string
	Limit  int
}
