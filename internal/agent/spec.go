package agent

import (
	"fmt"
	"sort"
	"strings"
	"time"

	xerrors "AgentSwarm/internal/errors"
)

// Archetype 是智能体类别的名称，取值限定在目录 (Catalog) 声明的集合内。
type Archetype string

// Action 表示变异触发器命中后要执行的动作。
type Action string

const (
	ActionNone         Action = "none"
	ActionMutate       Action = "mutate"
	ActionSelfDestruct Action = "self_destruct"
)

// Replication 描述固定窗口内允许的派生次数，Limit 为 0 表示不限制。
type Replication struct {
	Limit  int
	Window time.Duration
}

// Unbounded 判断是否未设置复制上限。
func (r Replication) Unbounded() bool {
	return r.Limit <= 0
}

// SelfDestruct 覆盖全局的自毁阈值，零值表示沿用全局默认。
type SelfDestruct struct {
	IdleAfter    time.Duration
	EntropyAbove float64
}

// Trigger 是变异触发器列表中的一项。
type Trigger struct {
	Name   string
	When   Predicate
	Action Action
	// Target 仅对 ActionMutate 生效，为空时使用 Spec.MutationTarget。
	Target Archetype
}

// Spec 是某个原型的不可变描述，被该原型的所有实例共享。
type Spec struct {
	Type             Archetype
	Capabilities     []string
	RuntimeLimit     time.Duration
	Replication      Replication
	MutationTriggers []Trigger
	MutationTarget   Archetype
	Meta             bool
	SelfDestruct     SelfDestruct
	Resources        map[string]string
	Environment      map[string]string

	capabilitySet map[string]struct{}
}

// HasCapability 判断原型是否具备某项能力。
func (s *Spec) HasCapability(capability string) bool {
	if s == nil {
		return false
	}
	_, ok := s.capabilitySet[capability]
	return ok
}

// Covers 判断原型的能力集合是否为 required 的超集。
func (s *Spec) Covers(required []string) bool {
	for _, capability := range required {
		if !s.HasCapability(capability) {
			return false
		}
	}
	return true
}

// TargetOf 返回触发器对应的变异目标。
func (s *Spec) TargetOf(trigger Trigger) Archetype {
	if trigger.Target != "" {
		return trigger.Target
	}
	return s.MutationTarget
}

func (s *Spec) normalise() {
	seen := make(map[string]struct{}, len(s.Capabilities))
	caps := make([]string, 0, len(s.Capabilities))
	for _, capability := range s.Capabilities {
		capability = strings.TrimSpace(capability)
		if capability == "" {
			continue
		}
		if _, ok := seen[capability]; ok {
			continue
		}
		seen[capability] = struct{}{}
		caps = append(caps, capability)
	}
	sort.Strings(caps)
	s.Capabilities = caps
	s.capabilitySet = seen
	s.MutationTriggers = append([]Trigger(nil), s.MutationTriggers...)
	s.Resources = cloneStrings(s.Resources)
	s.Environment = cloneStrings(s.Environment)
	for i := range s.MutationTriggers {
		if s.MutationTriggers[i].Action == "" {
			s.MutationTriggers[i].Action = ActionMutate
		}
	}
}

// Catalog 保存启动时加载的全部原型，加载完成后只读。
type Catalog struct {
	specs map[Archetype]*Spec
	order []Archetype
}

// NewCatalog 校验并构建原型目录。
func NewCatalog(specs ...Spec) (*Catalog, error) {
	catalog := &Catalog{specs: make(map[Archetype]*Spec, len(specs))}
	for i := range specs {
		spec := specs[i]
		spec.Type = Archetype(strings.TrimSpace(string(spec.Type)))
		if spec.Type == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("第 %d 个原型缺少 type", i))
		}
		if _, exists := catalog.specs[spec.Type]; exists {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("原型 %s 重复定义", spec.Type))
		}
		if spec.RuntimeLimit < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("原型 %s 的 runtime_limit 不能为负", spec.Type))
		}
		if !spec.Replication.Unbounded() && spec.Replication.Window <= 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("原型 %s 设置了复制上限但缺少窗口", spec.Type))
		}
		spec.normalise()
		catalog.specs[spec.Type] = &spec
		catalog.order = append(catalog.order, spec.Type)
	}

	for _, name := range catalog.order {
		spec := catalog.specs[name]
		for idx, trigger := range spec.MutationTriggers {
			switch trigger.Action {
			case ActionMutate:
				target := spec.TargetOf(trigger)
				if target == "" {
					return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("原型 %s 的触发器 %d 缺少变异目标", name, idx))
				}
				if target == name {
					return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("原型 %s 的触发器 %d 不能变异为自身", name, idx))
				}
				if _, ok := catalog.specs[target]; !ok {
					return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("原型 %s 的变异目标 %s 未定义", name, target))
				}
			case ActionSelfDestruct:
			default:
				return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("原型 %s 的触发器 %d 动作 %q 不受支持", name, idx, trigger.Action))
			}
		}
		if spec.MutationTarget != "" {
			if _, ok := catalog.specs[spec.MutationTarget]; !ok {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("原型 %s 的变异目标 %s 未定义", name, spec.MutationTarget))
			}
		}
	}
	return catalog, nil
}

// Get 返回指定原型，未声明时返回 NOT_FOUND。
func (c *Catalog) Get(name Archetype) (*Spec, error) {
	if c != nil {
		if spec, ok := c.specs[name]; ok {
			return spec, nil
		}
	}
	return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("未知的原型: %s", name))
}

// Specs 按声明顺序返回全部原型。
func (c *Catalog) Specs() []*Spec {
	if c == nil {
		return nil
	}
	out := make([]*Spec, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.specs[name])
	}
	return out
}

// Covering 按声明顺序返回能力覆盖 required 的原型。
func (c *Catalog) Covering(required []string) []*Spec {
	var out []*Spec
	for _, spec := range c.Specs() {
		if spec.Covers(required) {
			out = append(out, spec)
		}
	}
	return out
}

func cloneStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
