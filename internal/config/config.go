package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 vincentd 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	Reconcile ReconcileConfig `json:"reconcile"`
	Counters  CounterConfig   `json:"counters"`
	Web3      Web3Config      `json:"web3"`
	Signer    SignerConfig    `json:"signer"`
	Abilities AbilitiesConfig `json:"abilities"`
	Logging   LoggingConfig   `json:"logging"`
	Metrics   MetricsConfig   `json:"metrics"`
}

// AbilitiesConfig 汇总各能力的静态参数。
type AbilitiesConfig struct {
	Swap SwapOptions `json:"swap"`
}

// SwapOptions 描述兑换能力依赖的路由合约与估值稳定币。
type SwapOptions struct {
	RouterAddress    string `json:"router_address"`
	UsdToken         string `json:"usd_token"`
	UsdTokenDecimals uint8  `json:"usd_token_decimals"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 描述调用审计记录的持久化后端。
type StorageConfig struct {
	InvocationStore InvocationStoreConfig `json:"invocation_store"`
}

// InvocationStoreConfig 支持内存实现与 MySQL 实现。
type InvocationStoreConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// ReconcileConfig 描述提交失败对账队列的驱动。
type ReconcileConfig struct {
	Driver   string               `json:"driver"`
	Worker   int                  `json:"worker"`
	Redis    RedisQueueOptions    `json:"redis"`
	RabbitMQ RabbitMQQueueOptions `json:"rabbitmq"`
}

// RedisQueueOptions 描述 Redis 队列的连接参数。
type RedisQueueOptions struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQQueueOptions 描述 RabbitMQ 队列的连接参数。
type RabbitMQQueueOptions struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// CounterConfig 描述策略计数器（限次、限额）的持久化后端。
type CounterConfig struct {
	Driver string              `json:"driver"`
	DSN    string              `json:"dsn"`
	Redis  RedisCounterOptions `json:"redis"`
}

// RedisCounterOptions 描述 Redis 计数器的连接参数。
type RedisCounterOptions struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
}

// Web3Config 包含访问区块链节点与权限注册表合约所需的信息。
type Web3Config struct {
	ChainConfig     string `json:"chain_config"`
	DefaultChain    string `json:"default_chain"`
	RPCURL          string `json:"rpc_url"`
	RegistryAddress string `json:"registry_address"`
	Confirmations   int    `json:"confirmations"`
}

// SignerConfig 选择直接签名或代付 Gas 的签名通道。
type SignerConfig struct {
	Mode          string             `json:"mode"`
	PrivateKeyEnv string             `json:"private_key_env"`
	Sponsorship   SponsorshipOptions `json:"sponsorship"`
}

// SponsorshipOptions 描述代付 Gas 通道所需的凭证。
type SponsorshipOptions struct {
	APIKey    string `json:"api_key"`
	APIKeyEnv string `json:"api_key_env"`
	PolicyID  string `json:"policy_id"`
}

// LoggingConfig 描述日志输出行为。
type LoggingConfig struct {
	Level       string         `json:"level"`
	Format      string         `json:"format"`
	OutputPaths []string       `json:"output_paths"`
	Audit       AuditLogConfig `json:"audit"`
}

// AuditLogConfig 描述审计日志文件的轮转策略。
type AuditLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// MetricsConfig 控制指标服务的监听地址。
type MetricsConfig struct {
	Address string `json:"address"`
}

// Load 负责解析指定路径的 JSON 配置文件。
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
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.InvocationStore.Driver == "" {
		c.Storage.InvocationStore.Driver = "memory"
	}

	if c.Reconcile.Driver == "" {
		c.Reconcile.Driver = "memory"
	}
	if c.Reconcile.Worker <= 0 {
		c.Reconcile.Worker = 1
	}

	if c.Counters.Driver == "" {
		c.Counters.Driver = "memory"
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
	if c.Web3.Confirmations <= 0 {
		c.Web3.Confirmations = 1
	}

	if c.Signer.Mode == "" {
		c.Signer.Mode = "direct"
	}
	if c.Signer.PrivateKeyEnv == "" {
		c.Signer.PrivateKeyEnv = "VINCENT_DELEGATOR_KEY"
	}

	if c.Abilities.Swap.UsdTokenDecimals == 0 {
		c.Abilities.Swap.UsdTokenDecimals = 6
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(baseDir, "logs", "vincent-audit.log")
	}
}
