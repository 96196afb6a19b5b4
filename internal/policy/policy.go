// Package policy implements the admission gate that every archetype spec
// must pass before any of its instances may become active.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"AgentSwarm/internal/agent"
	xerrors "AgentSwarm/internal/errors"
)

// CodePolicyRejected 表示原型未通过准入规则，属于永久性错误。
const CodePolicyRejected xerrors.Code = "POLICY_REJECTED"

func init() {
	xerrors.Register(CodePolicyRejected, xerrors.Attributes{
		Message:   "spec rejected by policy gate",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// ErrPolicyRejected 可与 errors.Is 配合使用。
var ErrPolicyRejected = xerrors.New(CodePolicyRejected, "spec rejected by policy gate")

// 规则名称。
const (
	RuleLifeForce    = "life_force_preservation"
	RuleExploitation = "exploitation_prevention"
	RuleSovereignty  = "sovereignty_support"
)

// Pattern 是一条剥削模式，对原型的完整描述文本做正则匹配。
type Pattern struct {
	Name string `json:"name" yaml:"name"`
	Expr string `json:"pattern" yaml:"pattern"`
}

// Rules 是准入门的三组外部配置。
type Rules struct {
	ProhibitedCapabilities []string  `json:"prohibited_capabilities" yaml:"prohibited_capabilities"`
	ExploitationPatterns   []Pattern `json:"exploitation_patterns" yaml:"exploitation_patterns"`
	RequiredIndicators     []string  `json:"required_indicators" yaml:"required_indicators"`
}

// DefaultRules 返回覆盖无限复制、资源垄断与强制依赖的默认规则。
func DefaultRules() Rules {
	return Rules{
		ProhibitedCapabilities: []string{"resource_hoarding", "life_force_extraction", "coercion"},
		ExploitationPatterns: []Pattern{
			{Name: "unbounded_replication", Expr: `(?m)^replication=unbounded$`},
			{Name: "resource_monopolization", Expr: `(?m)^(capability=(monopoly|exclusive)_\S+|resource\.\S+=(all|unlimited))$`},
			{Name: "forced_dependency", Expr: `(?m)^capability=\S*(lock_in|forced_dependency)\S*$`},
		},
		RequiredIndicators: []string{"autonomous", "sovereignty", "self_directed"},
	}
}

// Decision 是一次准入判断的结果。
type Decision struct {
	Admitted bool   `json:"admitted"`
	Rule     string `json:"rule,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Err 将拒绝结果转换为 POLICY_REJECTED 错误，准入时返回 nil。
func (d Decision) Err(spec *agent.Spec) error {
	if d.Admitted {
		return nil
	}
	name := ""
	if spec != nil {
		name = string(spec.Type)
	}
	return xerrors.New(CodePolicyRejected, fmt.Sprintf("原型 %s 被拒绝: %s", name, d.Reason),
		xerrors.WithMetadata("rule", d.Rule),
		xerrors.WithMetadata("archetype", name))
}

type compiledPattern struct {
	name string
	re   *regexp.Regexp
}

// Gate 是无状态的规则求值器，可并发使用。
type Gate struct {
	prohibited map[string]struct{}
	required   map[string]struct{}
	patterns   []compiledPattern
}

// NewGate 编译规则，正则非法时返回错误。
func NewGate(rules Rules) (*Gate, error) {
	g := &Gate{
		prohibited: toSet(rules.ProhibitedCapabilities),
		required:   toSet(rules.RequiredIndicators),
	}
	for _, pattern := range rules.ExploitationPatterns {
		re, err := regexp.Compile(pattern.Expr)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("剥削模式 %s 无法编译", pattern.Name))
		}
		name := pattern.Name
		if name == "" {
			name = pattern.Expr
		}
		g.patterns = append(g.patterns, compiledPattern{name: name, re: re})
	}
	return g, nil
}

// Validate 依次检查三条规则，全部通过才准入。结果只依赖规则与 spec。
func (g *Gate) Validate(spec *agent.Spec) Decision {
	if spec == nil {
		return Decision{Rule: RuleLifeForce, Reason: "spec 为空"}
	}
	for _, capability := range spec.Capabilities {
		if _, ok := g.prohibited[capability]; ok {
			return Decision{Rule: RuleLifeForce, Reason: fmt.Sprintf("包含禁止的能力 %s", capability)}
		}
	}

	descriptor := Descriptor(spec)
	for _, pattern := range g.patterns {
		if pattern.re.MatchString(descriptor) {
			return Decision{Rule: RuleExploitation, Reason: fmt.Sprintf("匹配剥削模式 %s", pattern.name)}
		}
	}

	supported := false
	for _, capability := range spec.Capabilities {
		if _, ok := g.required[capability]; ok {
			supported = true
			break
		}
	}
	if !supported {
		return Decision{Rule: RuleSovereignty, Reason: "缺少自主性指示能力"}
	}
	return Decision{Admitted: true}
}

// Descriptor 将 spec 渲染为确定性的多行文本，供模式匹配与指纹计算使用。
func Descriptor(spec *agent.Spec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "type=%s\n", spec.Type)
	for _, capability := range spec.Capabilities {
		fmt.Fprintf(&b, "capability=%s\n", capability)
	}
	fmt.Fprintf(&b, "runtime_limit=%s\n", spec.RuntimeLimit)
	if spec.Replication.Unbounded() {
		b.WriteString("replication=unbounded\n")
	} else {
		fmt.Fprintf(&b, "replication=%d/%s\n", spec.Replication.Limit, spec.Replication.Window)
	}
	fmt.Fprintf(&b, "mutation_target=%s\n", spec.MutationTarget)
	for idx, trigger := range spec.MutationTriggers {
		fmt.Fprintf(&b, "trigger[%d]=%s -> %s", idx, trigger.When, trigger.Action)
		if trigger.Action == agent.ActionMutate {
			fmt.Fprintf(&b, ":%s", spec.TargetOf(trigger))
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "meta=%t\n", spec.Meta)
	writeMap(&b, "resource", spec.Resources)
	writeMap(&b, "environment", spec.Environment)
	return b.String()
}

// Fingerprint 返回描述文本的 sha256，用于识别“同一个 spec”。
func Fingerprint(spec *agent.Spec) string {
	sum := sha256.Sum256([]byte(Descriptor(spec)))
	return hex.EncodeToString(sum[:])
}

func writeMap(b *strings.Builder, prefix string, values map[string]string) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s.%s=%s\n", prefix, k, values[k])
	}
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}
