package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"AgentSwarm/pkg/logger"
)

// Config 描述了控制平面在启动阶段需要加载的全部配置。
type Config struct {
	Server     ServerConfig      `json:"server" yaml:"server"`
	Metrics    MetricsConfig     `json:"metrics" yaml:"metrics"`
	Logging    logger.Config     `json:"logging" yaml:"logging"`
	Registry   RegistryConfig    `json:"registry" yaml:"registry"`
	Limiter    LimiterConfig     `json:"limiter" yaml:"limiter"`
	Audit      AuditConfig       `json:"audit" yaml:"audit"`
	Queue      QueueConfig       `json:"queue" yaml:"queue"`
	Deployment DeploymentConfig  `json:"deployment" yaml:"deployment"`
	Monitor    MonitorConfig     `json:"monitor" yaml:"monitor"`
	Alerting   AlertingConfig    `json:"alerting" yaml:"alerting"`
	Policy     PolicyConfig      `json:"policy" yaml:"policy"`
	Mutation   MutationConfig    `json:"mutation" yaml:"mutation"`
	Autoscale  AutoscaleConfig   `json:"autoscale" yaml:"autoscale"`
	Archetypes []ArchetypeConfig `json:"archetypes" yaml:"archetypes"`
	Bootstrap  []BootstrapConfig `json:"bootstrap" yaml:"bootstrap"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string     `json:"address" yaml:"address"`
	ReadTimeout     Duration   `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    Duration   `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout Duration   `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	CORSOrigins     []string   `json:"cors_origins" yaml:"cors_origins"`
	Auth            AuthConfig `json:"auth" yaml:"auth"`
}

// AuthConfig 控制 API 的认证，mode 为 disabled、token 或 jwt。
type AuthConfig struct {
	Mode   string        `json:"mode" yaml:"mode"`
	Tokens []TokenConfig `json:"tokens" yaml:"tokens"`
	JWT    JWTConfig     `json:"jwt" yaml:"jwt"`
}

// JWTConfig 描述 HS256 签名参数，secret 为空时读取 secret_env。
type JWTConfig struct {
	Secret    string `json:"secret" yaml:"secret"`
	SecretEnv string `json:"secret_env" yaml:"secret_env"`
	Issuer    string `json:"issuer" yaml:"issuer"`
	Audience  string `json:"audience" yaml:"audience"`
}

// TokenConfig 是一个操作员令牌，token 为空时读取 token_env 指定的环境变量。
type TokenConfig struct {
	Name        string   `json:"name" yaml:"name"`
	Token       string   `json:"token" yaml:"token"`
	TokenEnv    string   `json:"token_env" yaml:"token_env"`
	Permissions []string `json:"permissions" yaml:"permissions"`
}

// MetricsConfig 控制独立的 Prometheus 指标端口，API 的 /metrics 始终可用。
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address" yaml:"address"`
}

// RegistryConfig 描述注册表巡检与变异派生参数。
type RegistryConfig struct {
	IdleTimeout   Duration    `json:"idle_timeout" yaml:"idle_timeout"`
	SweepInterval Duration    `json:"sweep_interval" yaml:"sweep_interval"`
	SpawnRetry    RetryConfig `json:"spawn_retry" yaml:"spawn_retry"`
}

// RetryConfig 是指数退避参数。
type RetryConfig struct {
	MaxAttempts    int      `json:"max_attempts" yaml:"max_attempts"`
	InitialBackoff Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     Duration `json:"max_backoff" yaml:"max_backoff"`
}

// LimiterConfig 选择复制限流的实现。
type LimiterConfig struct {
	Driver string      `json:"driver" yaml:"driver"`
	Redis  RedisConfig `json:"redis" yaml:"redis"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address   string   `json:"address" yaml:"address"`
	Password  string   `json:"password" yaml:"password"`
	DB        int      `json:"db" yaml:"db"`
	KeyPrefix string   `json:"key_prefix" yaml:"key_prefix"`
	Queue     string   `json:"queue" yaml:"queue"`
	BlockWait Duration `json:"block_wait" yaml:"block_wait"`
}

// AuditConfig 选择审计日志的存储与保留期。
type AuditConfig struct {
	Driver    string      `json:"driver" yaml:"driver"`
	Retention Duration    `json:"retention" yaml:"retention"`
	MySQL     MySQLConfig `json:"mysql" yaml:"mysql"`
}

// MySQLConfig 描述 MySQL 连接池。
type MySQLConfig struct {
	DSN             string   `json:"dsn" yaml:"dsn"`
	MaxOpenConns    int      `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int      `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// QueueConfig 描述异步任务队列，driver 为 none 时关闭异步受理。
type QueueConfig struct {
	Driver     string         `json:"driver" yaml:"driver"`
	Workers    int            `json:"workers" yaml:"workers"`
	MaxRetries int            `json:"max_retries" yaml:"max_retries"`
	Size       int            `json:"size" yaml:"size"`
	Store      JobStoreConfig `json:"store" yaml:"store"`
	Redis      RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ   RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
	NATS       NATSConfig     `json:"nats" yaml:"nats"`
}

// JobStoreConfig 选择异步任务状态的存储，driver 为 memory 或 mysql。
type JobStoreConfig struct {
	Driver   string      `json:"driver" yaml:"driver"`
	Capacity int         `json:"capacity" yaml:"capacity"`
	MySQL    MySQLConfig `json:"mysql" yaml:"mysql"`
}

// NATSConfig 描述 NATS 主题与队列组。
type NATSConfig struct {
	URL        string `json:"url" yaml:"url"`
	Subject    string `json:"subject" yaml:"subject"`
	QueueGroup string `json:"queue_group" yaml:"queue_group"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL        string `json:"url" yaml:"url"`
	Queue      string `json:"queue" yaml:"queue"`
	Prefetch   int    `json:"prefetch" yaml:"prefetch"`
	Durable    bool   `json:"durable" yaml:"durable"`
	AutoDelete bool   `json:"auto_delete" yaml:"auto_delete"`
}

// DeploymentConfig 描述外部计算平台。
type DeploymentConfig struct {
	Fabric  string      `json:"fabric" yaml:"fabric"`
	Timeout Duration    `json:"timeout" yaml:"timeout"`
	Retry   RetryConfig `json:"retry" yaml:"retry"`
	HTTP    HTTPFabric  `json:"http" yaml:"http"`
}

// HTTPFabric 描述 HTTP 计算平台的地址与凭据。
type HTTPFabric struct {
	Endpoint string   `json:"endpoint" yaml:"endpoint"`
	Token    string   `json:"token" yaml:"token"`
	TokenEnv string   `json:"token_env" yaml:"token_env"`
	Timeout  Duration `json:"timeout" yaml:"timeout"`
}

// MonitorConfig 描述同步任务执行的上限。
type MonitorConfig struct {
	TaskTimeout Duration `json:"task_timeout" yaml:"task_timeout"`
}

// AlertingConfig 描述告警渠道。日志渠道始终启用。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
}

// PolicyConfig 是准入门规则，留空的分组使用默认规则。
type PolicyConfig struct {
	ProhibitedCapabilities []string        `json:"prohibited_capabilities" yaml:"prohibited_capabilities"`
	ExploitationPatterns   []PatternConfig `json:"exploitation_patterns" yaml:"exploitation_patterns"`
	RequiredIndicators     []string        `json:"required_indicators" yaml:"required_indicators"`
}

// PatternConfig 是一条剥削模式。
type PatternConfig struct {
	Name    string `json:"name" yaml:"name"`
	Pattern string `json:"pattern" yaml:"pattern"`
}

// MutationConfig 是自毁阈值与元原型覆盖。
type MutationConfig struct {
	IdleAfter    Duration         `json:"idle_after" yaml:"idle_after"`
	EntropyAbove float64          `json:"entropy_above" yaml:"entropy_above"`
	Overrides    []OverrideConfig `json:"overrides" yaml:"overrides"`
}

// OverrideConfig 描述信号生效时的强制动作。
type OverrideConfig struct {
	Signal     string   `json:"signal" yaml:"signal"`
	Action     string   `json:"action" yaml:"action"`
	Target     string   `json:"target" yaml:"target"`
	Archetypes []string `json:"archetypes" yaml:"archetypes"`
}

// AutoscaleConfig 控制无可用实例时的自动准入。
type AutoscaleConfig struct {
	Enabled bool        `json:"enabled" yaml:"enabled"`
	Retry   RetryConfig `json:"retry" yaml:"retry"`
}

// ArchetypeConfig 是原型的声明。
type ArchetypeConfig struct {
	Type             string            `json:"type" yaml:"type"`
	Capabilities     []string          `json:"capabilities" yaml:"capabilities"`
	RuntimeLimit     Duration          `json:"runtime_limit" yaml:"runtime_limit"`
	Replication      ReplicationConfig `json:"replication" yaml:"replication"`
	MutationTriggers []TriggerConfig   `json:"mutation_triggers" yaml:"mutation_triggers"`
	MutationTarget   string            `json:"mutation_target" yaml:"mutation_target"`
	Meta             bool              `json:"meta" yaml:"meta"`
	SelfDestruct     SelfDestruct      `json:"self_destruct" yaml:"self_destruct"`
	Resources        map[string]string `json:"resources" yaml:"resources"`
	Environment      map[string]string `json:"environment" yaml:"environment"`
}

// ReplicationConfig 是复制上限，limit 为 0 表示不限制。
type ReplicationConfig struct {
	Limit  int      `json:"limit" yaml:"limit"`
	Window Duration `json:"window" yaml:"window"`
}

// TriggerConfig 是变异触发器，when 形如 "consistency_score > 95%"。
type TriggerConfig struct {
	Name   string `json:"name" yaml:"name"`
	When   string `json:"when" yaml:"when"`
	Action string `json:"action" yaml:"action"`
	Target string `json:"target" yaml:"target"`
}

// SelfDestruct 覆盖全局自毁阈值。
type SelfDestruct struct {
	IdleAfter    Duration `json:"idle_after" yaml:"idle_after"`
	EntropyAbove float64  `json:"entropy_above" yaml:"entropy_above"`
}

// BootstrapConfig 声明启动时准入的实例数量。
type BootstrapConfig struct {
	Archetype string `json:"archetype" yaml:"archetype"`
	Count     int    `json:"count" yaml:"count"`
}

// Load 根据扩展名解析 JSON 或 YAML 配置文件，未知字段视为错误。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = decodeYAML(content, &cfg)
	default:
		err = decodeJSON(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse 解析内存中的配置，format 为 "json" 或 "yaml"。
func Parse(content []byte, format string) (*Config, error) {
	var (
		cfg Config
		err error
	)
	if strings.EqualFold(format, "yaml") || strings.EqualFold(format, "yml") {
		err = decodeYAML(content, &cfg)
	} else {
		err = decodeJSON(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults(".")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeJSON(content []byte, cfg *Config) error {
	decoder := json.NewDecoder(bytes.NewReader(content))
	decoder.DisallowUnknownFields()
	return decoder.Decode(cfg)
}

func decodeYAML(content []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.Auth.Mode == "" {
		c.Server.Auth.Mode = "disabled"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(5 * time.Second)
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}

	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if c.Registry.SweepInterval == 0 {
		c.Registry.SweepInterval = Duration(5 * time.Second)
	}
	c.Registry.SpawnRetry.applyDefaults(3, Duration(500*time.Millisecond), Duration(5*time.Second))

	if c.Limiter.Driver == "" {
		c.Limiter.Driver = "memory"
	}
	if c.Audit.Driver == "" {
		c.Audit.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.MaxRetries <= 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 1024
	}
	if c.Queue.Store.Driver == "" {
		c.Queue.Store.Driver = "memory"
	}

	if c.Deployment.Fabric == "" {
		c.Deployment.Fabric = "local"
	}
	if c.Deployment.Timeout == 0 {
		c.Deployment.Timeout = Duration(30 * time.Second)
	}
	c.Deployment.Retry.applyDefaults(3, Duration(200*time.Millisecond), Duration(5*time.Second))

	if c.Monitor.TaskTimeout == 0 {
		c.Monitor.TaskTimeout = Duration(time.Minute)
	}
	c.Autoscale.Retry.applyDefaults(3, Duration(200*time.Millisecond), Duration(2*time.Second))

	for i := range c.Archetypes {
		for j := range c.Archetypes[i].MutationTriggers {
			if c.Archetypes[i].MutationTriggers[j].Action == "" {
				c.Archetypes[i].MutationTriggers[j].Action = "mutate"
			}
		}
	}
	for i := range c.Bootstrap {
		if c.Bootstrap[i].Count <= 0 {
			c.Bootstrap[i].Count = 1
		}
	}
}

func (r *RetryConfig) applyDefaults(attempts int, initial, max Duration) {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = attempts
	}
	if r.InitialBackoff <= 0 {
		r.InitialBackoff = initial
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = max
	}
}

// Validate 检查驱动名、必填连接参数与原型声明。原型之间的引用由 Catalog 校验。
func (c *Config) Validate() error {
	var errs []error
	switch c.Server.Auth.Mode {
	case "disabled":
	case "token":
		if len(c.Server.Auth.Tokens) == 0 {
			errs = append(errs, errors.New("server.auth.tokens 不能为空"))
		}
		for i, token := range c.Server.Auth.Tokens {
			if token.Name == "" {
				errs = append(errs, fmt.Errorf("server.auth.tokens[%d].name 不能为空", i))
			}
			if token.Token == "" && token.TokenEnv == "" {
				errs = append(errs, fmt.Errorf("server.auth.tokens[%d] 需要 token 或 token_env", i))
			}
		}
	case "jwt":
		if c.Server.Auth.JWT.Secret == "" && c.Server.Auth.JWT.SecretEnv == "" {
			errs = append(errs, errors.New("server.auth.jwt 需要 secret 或 secret_env"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的 server.auth.mode: %s", c.Server.Auth.Mode))
	}

	for _, origin := range c.Server.CORSOrigins {
		if origin != "*" && !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			errs = append(errs, fmt.Errorf("server.cors_origins 必须以 http:// 或 https:// 开头: %s", origin))
		}
	}

	switch c.Limiter.Driver {
	case "memory":
	case "redis":
		if c.Limiter.Redis.Address == "" {
			errs = append(errs, errors.New("limiter.redis.address 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的 limiter.driver: %s", c.Limiter.Driver))
	}

	switch c.Audit.Driver {
	case "memory":
	case "mysql":
		if c.Audit.MySQL.DSN == "" {
			errs = append(errs, errors.New("audit.mysql.dsn 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的 audit.driver: %s", c.Audit.Driver))
	}
	if c.Audit.Retention < 0 {
		errs = append(errs, errors.New("audit.retention 不能为负"))
	}

	switch c.Queue.Driver {
	case "none", "memory":
	case "redis":
		if c.Queue.Redis.Address == "" {
			errs = append(errs, errors.New("queue.redis.address 不能为空"))
		}
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("queue.rabbitmq.url 不能为空"))
		}
	case "nats":
		if c.Queue.NATS.URL == "" {
			errs = append(errs, errors.New("queue.nats.url 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的 queue.driver: %s", c.Queue.Driver))
	}
	switch c.Queue.Store.Driver {
	case "memory":
	case "mysql":
		if c.Queue.Store.MySQL.DSN == "" {
			errs = append(errs, errors.New("queue.store.mysql.dsn 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的 queue.store.driver: %s", c.Queue.Store.Driver))
	}

	switch c.Deployment.Fabric {
	case "local":
	case "http":
		if c.Deployment.HTTP.Endpoint == "" {
			errs = append(errs, errors.New("deployment.http.endpoint 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的 deployment.fabric: %s", c.Deployment.Fabric))
	}

	if c.Mutation.EntropyAbove < 0 || c.Mutation.EntropyAbove > 1 {
		errs = append(errs, errors.New("mutation.entropy_above 必须在 [0, 1] 之间"))
	}
	if len(c.Archetypes) == 0 {
		errs = append(errs, errors.New("至少需要声明一个原型"))
	}
	declared := make(map[string]struct{}, len(c.Archetypes))
	for _, arch := range c.Archetypes {
		declared[arch.Type] = struct{}{}
	}
	for _, boot := range c.Bootstrap {
		if _, ok := declared[boot.Archetype]; !ok {
			errs = append(errs, fmt.Errorf("bootstrap 引用了未声明的原型: %s", boot.Archetype))
		}
	}
	return errors.Join(errs...)
}

// HTTPToken 返回 HTTP 计算平台的访问令牌，token 为空时读取 token_env 指定的环境变量。
func (c *Config) HTTPToken() string {
	if token := strings.TrimSpace(c.Deployment.HTTP.Token); token != "" {
		return token
	}
	if c.Deployment.HTTP.TokenEnv != "" {
		return strings.TrimSpace(os.Getenv(c.Deployment.HTTP.TokenEnv))
	}
	return ""
}
