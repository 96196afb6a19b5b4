package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration 接受 "10m" 这样的字符串，或以秒为单位的数字。
type Duration time.Duration

// Std 返回 time.Duration。
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String 实现 fmt.Stringer。
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON 以字符串形式输出。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON 解析字符串或秒数。
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		return d.parse(v)
	case float64:
		*d = Duration(v * float64(time.Second))
		return nil
	case nil:
		*d = 0
		return nil
	default:
		return fmt.Errorf("无法解析时长: %s", string(data))
	}
}

// MarshalYAML 以字符串形式输出。
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML 解析字符串或秒数。
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("第 %d 行: 时长必须是标量", node.Line)
	}
	if node.Tag == "!!int" || node.Tag == "!!float" {
		var seconds float64
		if err := node.Decode(&seconds); err != nil {
			return err
		}
		*d = Duration(seconds * float64(time.Second))
		return nil
	}
	return d.parse(node.Value)
}

func (d *Duration) parse(value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("无法解析时长 %q: %w", value, err)
	}
	*d = Duration(parsed)
	return nil
}
