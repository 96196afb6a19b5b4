package agent

import "time"

// Field 是遥测数据中可被触发器读取的字段名。
type Field string

const (
	FieldTaskDensity      Field = "task_density"
	FieldExecutionLatency Field = "execution_latency"
	FieldConsistencyScore Field = "consistency_score"
	FieldFailureFlags     Field = "failure_flags"
	FieldIdleDuration     Field = "idle_duration"
	FieldEntropyScore     Field = "entropy_score"
	FieldUniquenessScore  Field = "uniqueness_score"
)

// KnownField 判断字段名是否受支持。
func KnownField(field Field) bool {
	switch field {
	case FieldTaskDensity, FieldExecutionLatency, FieldConsistencyScore, FieldFailureFlags,
		FieldIdleDuration, FieldEntropyScore, FieldUniquenessScore:
		return true
	default:
		return false
	}
}

// Telemetry 是一次执行后附着在实例上的测量值。
type Telemetry struct {
	TaskDensity      float64       `json:"task_density"`
	ExecutionLatency time.Duration `json:"execution_latency"`
	ConsistencyScore float64       `json:"consistency_score"`
	FailureFlags     int           `json:"failure_flags"`
	IdleDuration     time.Duration `json:"idle_duration"`
	EntropyScore     float64       `json:"entropy_score"`
	UniquenessScore  float64       `json:"uniqueness_score"`
	Aborted          bool          `json:"aborted,omitempty"`
	CollectedAt      time.Time     `json:"collected_at"`
}

// Value 以 float64 返回字段值，时长字段以秒为单位。
func (t Telemetry) Value(field Field) (float64, bool) {
	switch field {
	case FieldTaskDensity:
		return t.TaskDensity, true
	case FieldExecutionLatency:
		return t.ExecutionLatency.Seconds(), true
	case FieldConsistencyScore:
		return t.ConsistencyScore, true
	case FieldFailureFlags:
		return float64(t.FailureFlags), true
	case FieldIdleDuration:
		return t.IdleDuration.Seconds(), true
	case FieldEntropyScore:
		return t.EntropyScore, true
	case FieldUniquenessScore:
		return t.UniquenessScore, true
	default:
		return 0, false
	}
}

// Metrics 是执行方可以回报的与业务相关的评分，未回报的字段保持零值。
type Metrics struct {
	TaskDensity      *float64 `json:"task_density,omitempty"`
	ConsistencyScore *float64 `json:"consistency_score,omitempty"`
	EntropyScore     *float64 `json:"entropy_score,omitempty"`
	UniquenessScore  *float64 `json:"uniqueness_score,omitempty"`
}

// ApplyTo 将回报的评分写入遥测。
func (m Metrics) ApplyTo(t *Telemetry) {
	if m.TaskDensity != nil {
		t.TaskDensity = *m.TaskDensity
	}
	if m.ConsistencyScore != nil {
		t.ConsistencyScore = *m.ConsistencyScore
	}
	if m.EntropyScore != nil {
		t.EntropyScore = *m.EntropyScore
	}
	if m.UniquenessScore != nil {
		t.UniquenessScore = *m.UniquenessScore
	}
}
