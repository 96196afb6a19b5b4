package agent

import (
	"encoding/json"
	"fmt"
	"time"

	xerrors "AgentSwarm/internal/errors"
)

// State 表示实例在生命周期中的状态。
type State string

const (
	StatePending  State = "pending"
	StateActive   State = "active"
	StateMutating State = "mutating"
	StateRetiring State = "retiring"
	StateRetired  State = "retired"
)

// Event 驱动状态机迁移。
type Event string

const (
	EventActivate         Event = "activate"
	EventReject           Event = "reject"
	EventMutate           Event = "mutate"
	EventMutationComplete Event = "mutation_complete"
	EventMutationAbort    Event = "mutation_abort"
	EventRetire           Event = "retire"
	EventRetired          Event = "retired"
)

// CodeInvalidTransition 表示请求了状态机不允许的迁移。
const CodeInvalidTransition xerrors.Code = "INVALID_TRANSITION"

func init() {
	xerrors.Register(CodeInvalidTransition, xerrors.Attributes{
		Message:   "invalid lifecycle transition",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// ErrInvalidTransition 可与 errors.Is 配合使用。
var ErrInvalidTransition = xerrors.New(CodeInvalidTransition, "invalid lifecycle transition")

type edge struct {
	from  State
	event Event
}

var transitions = map[edge]State{
	{StatePending, EventActivate}:          StateActive,
	{StatePending, EventReject}:            StateRetired,
	{StateActive, EventMutate}:             StateMutating,
	{StateActive, EventRetire}:             StateRetiring,
	{StateMutating, EventMutationComplete}: StateRetired,
	{StateMutating, EventMutationAbort}:    StateActive,
	{StateRetiring, EventRetired}:          StateRetired,
}

// Next 返回在 from 状态上应用 event 后的新状态。
func Next(from State, event Event) (State, error) {
	if to, ok := transitions[edge{from: from, event: event}]; ok {
		return to, nil
	}
	return from, xerrors.New(CodeInvalidTransition, fmt.Sprintf("状态 %s 不接受事件 %s", from, event),
		xerrors.WithMetadata("state", string(from)),
		xerrors.WithMetadata("event", string(event)))
}

// IsValidEvent 检查事件名是否为支持的枚举值。
func IsValidEvent(event Event) bool {
	switch event {
	case EventActivate, EventReject, EventMutate, EventMutationComplete, EventMutationAbort, EventRetire, EventRetired:
		return true
	default:
		return false
	}
}

// Instance 是注册表中某个实例的只读快照。
type Instance struct {
	ID                string      `json:"id"`
	ParentID          string      `json:"parent_id,omitempty"`
	Spec              *Spec       `json:"-"`
	State             State       `json:"state"`
	Busy              bool        `json:"busy"`
	TasksHandled      int         `json:"tasks_handled"`
	FailureFlags      int         `json:"failure_flags"`
	CreatedAt         time.Time   `json:"created_at"`
	ActivatedAt       time.Time   `json:"activated_at,omitempty"`
	LastActivityAt    time.Time   `json:"last_activity_at"`
	ReplicationWindow []time.Time `json:"replication_window,omitempty"`
}

// Archetype 返回实例所属原型。
func (i Instance) Archetype() Archetype {
	if i.Spec == nil {
		return ""
	}
	return i.Spec.Type
}

// Deadline 返回运行时限到期的时间点，未设置时限时 ok 为 false。
func (i Instance) Deadline() (time.Time, bool) {
	if i.Spec == nil || i.Spec.RuntimeLimit <= 0 || i.ActivatedAt.IsZero() {
		return time.Time{}, false
	}
	return i.ActivatedAt.Add(i.Spec.RuntimeLimit), true
}

// MarshalJSON 在快照中附带原型名称与能力。
func (i Instance) MarshalJSON() ([]byte, error) {
	type alias Instance
	var capabilities []string
	if i.Spec != nil {
		capabilities = i.Spec.Capabilities
	}
	return json.Marshal(struct {
		alias
		Archetype    Archetype `json:"archetype"`
		Capabilities []string  `json:"capabilities"`
	}{alias: alias(i), Archetype: i.Archetype(), Capabilities: capabilities})
}

// Task 是路由给智能体的一项工作，不会被核心保留。
type Task struct {
	ID                   string          `json:"id"`
	RequiredCapabilities []string        `json:"required_capabilities"`
	Payload              json.RawMessage `json:"payload,omitempty"`
	// FanOut 为需要同时执行的实例数量，小于 1 时视为 1。
	FanOut int `json:"fan_out,omitempty"`
}

// Width 返回任务需要的实例数量。
func (t Task) Width() int {
	if t.FanOut < 1 {
		return 1
	}
	return t.FanOut
}
