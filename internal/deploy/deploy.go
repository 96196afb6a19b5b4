// Package deploy materializes admitted instances on an external compute
// fabric and exposes the handle the monitor dispatches tasks through.
package deploy

import (
	"context"
	"encoding/json"

	"AgentSwarm/internal/agent"
	xerrors "AgentSwarm/internal/errors"
)

// CodeDeploymentFailure 表示计算平台拒绝或无法完成部署。
const CodeDeploymentFailure xerrors.Code = "DEPLOYMENT_FAILURE"

func init() {
	xerrors.Register(CodeDeploymentFailure, xerrors.Attributes{
		Message:   "deployment failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// ErrDeploymentFailure 可与 errors.Is 配合使用。
var ErrDeploymentFailure = xerrors.New(CodeDeploymentFailure, "deployment failed")

// Descriptor 是发送给计算平台的部署描述，资源与环境字段原样透传。
type Descriptor struct {
	InstanceID     string            `json:"instance_id"`
	Archetype      agent.Archetype   `json:"archetype"`
	Capabilities   []string          `json:"capabilities,omitempty"`
	ResourceLimits map[string]string `json:"resource_limits,omitempty"`
	Environment    map[string]string `json:"environment,omitempty"`
}

// DescriptorFor 根据原型生成部署描述。
func DescriptorFor(instanceID string, spec *agent.Spec) Descriptor {
	desc := Descriptor{InstanceID: instanceID}
	if spec == nil {
		return desc
	}
	desc.Archetype = spec.Type
	desc.Capabilities = append([]string(nil), spec.Capabilities...)
	desc.ResourceLimits = copyMap(spec.Resources)
	desc.Environment = copyMap(spec.Environment)
	return desc
}

// Outcome 是一次任务执行的结果。
type Outcome struct {
	Output  json.RawMessage `json:"output,omitempty"`
	Metrics agent.Metrics   `json:"metrics"`
}

// Handle 代表平台上的一个运行实例。
type Handle interface {
	ID() string
	Execute(ctx context.Context, task agent.Task) (Outcome, error)
	Release(ctx context.Context) error
}

// Fabric 是外部计算平台的抽象。
type Fabric interface {
	Deploy(ctx context.Context, desc Descriptor) (Handle, error)
}

func copyMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
