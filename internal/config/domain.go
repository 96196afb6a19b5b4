package config

import (
	"fmt"
	"os"
	"strings"

	"AgentSwarm/internal/agent"
	"AgentSwarm/internal/auth"
	"AgentSwarm/internal/mutation"
	"AgentSwarm/internal/policy"
	storage "AgentSwarm/internal/storage/mysql"
)

// Catalog 构建只读的原型目录并解析触发器表达式。
func (c *Config) Catalog() (*agent.Catalog, error) {
	specs := make([]agent.Spec, 0, len(c.Archetypes))
	for _, arch := range c.Archetypes {
		spec := agent.Spec{
			Type:         agent.Archetype(strings.TrimSpace(arch.Type)),
			Capabilities: append([]string(nil), arch.Capabilities...),
			RuntimeLimit: arch.RuntimeLimit.Std(),
			Replication: agent.Replication{
				Limit:  arch.Replication.Limit,
				Window: arch.Replication.Window.Std(),
			},
			MutationTarget: agent.Archetype(arch.MutationTarget),
			Meta:           arch.Meta,
			SelfDestruct: agent.SelfDestruct{
				IdleAfter:    arch.SelfDestruct.IdleAfter.Std(),
				EntropyAbove: arch.SelfDestruct.EntropyAbove,
			},
			Resources:   arch.Resources,
			Environment: arch.Environment,
		}
		for idx, trig := range arch.MutationTriggers {
			predicate, err := agent.ParsePredicate(trig.When)
			if err != nil {
				return nil, fmt.Errorf("原型 %s 的第 %d 个触发器: %w", arch.Type, idx, err)
			}
			spec.MutationTriggers = append(spec.MutationTriggers, agent.Trigger{
				Name:   trig.Name,
				When:   predicate,
				Action: agent.Action(trig.Action),
				Target: agent.Archetype(trig.Target),
			})
		}
		specs = append(specs, spec)
	}
	return agent.NewCatalog(specs...)
}

// Rules 返回准入门规则，未配置的分组沿用默认值。
func (c *Config) Rules() policy.Rules {
	rules := policy.DefaultRules()
	if len(c.Policy.ProhibitedCapabilities) > 0 {
		rules.ProhibitedCapabilities = append([]string(nil), c.Policy.ProhibitedCapabilities...)
	}
	if len(c.Policy.ExploitationPatterns) > 0 {
		rules.ExploitationPatterns = make([]policy.Pattern, 0, len(c.Policy.ExploitationPatterns))
		for _, p := range c.Policy.ExploitationPatterns {
			rules.ExploitationPatterns = append(rules.ExploitationPatterns, policy.Pattern{Name: p.Name, Expr: p.Pattern})
		}
	}
	if len(c.Policy.RequiredIndicators) > 0 {
		rules.RequiredIndicators = append([]string(nil), c.Policy.RequiredIndicators...)
	}
	return rules
}

// Thresholds 返回全局自毁阈值。
func (c *Config) Thresholds() mutation.Thresholds {
	return mutation.Thresholds{IdleAfter: c.Mutation.IdleAfter.Std(), EntropyAbove: c.Mutation.EntropyAbove}
}

// Overrides 返回元原型覆盖规则。
func (c *Config) Overrides() []mutation.Override {
	out := make([]mutation.Override, 0, len(c.Mutation.Overrides))
	for _, o := range c.Mutation.Overrides {
		override := mutation.Override{
			Signal: mutation.Signal(o.Signal),
			Action: agent.Action(o.Action),
			Target: agent.Archetype(o.Target),
		}
		for _, name := range o.Archetypes {
			override.Archetypes = append(override.Archetypes, agent.Archetype(name))
		}
		out = append(out, override)
	}
	return out
}

// Storage 转换为共享的 MySQL 连接参数。
func (m MySQLConfig) Storage() storage.Config {
	return storage.Config{
		DSN:             m.DSN,
		MaxOpenConns:    m.MaxOpenConns,
		MaxIdleConns:    m.MaxIdleConns,
		ConnMaxLifetime: m.ConnMaxLifetime.Std(),
	}
}

// AuthConfig 解析认证配置，令牌或密钥为空时读取对应的环境变量。
func (c *Config) AuthConfig() auth.Config {
	cfg := auth.Config{Mode: auth.Mode(c.Server.Auth.Mode)}
	for _, token := range c.Server.Auth.Tokens {
		secret := strings.TrimSpace(token.Token)
		if secret == "" && token.TokenEnv != "" {
			secret = strings.TrimSpace(os.Getenv(token.TokenEnv))
		}
		perms := make([]auth.Permission, 0, len(token.Permissions))
		for _, perm := range token.Permissions {
			perms = append(perms, auth.Permission(perm))
		}
		cfg.Tokens = append(cfg.Tokens, auth.Token{Name: token.Name, Secret: secret, Permissions: perms})
	}
	if c.Server.Auth.Mode == string(auth.ModeJWT) {
		jwt := c.Server.Auth.JWT
		secret := strings.TrimSpace(jwt.Secret)
		if secret == "" && jwt.SecretEnv != "" {
			secret = strings.TrimSpace(os.Getenv(jwt.SecretEnv))
		}
		cfg.JWT = auth.JWTOptions{Secret: secret, Issuer: jwt.Issuer, Audience: jwt.Audience}
	}
	return cfg
}
