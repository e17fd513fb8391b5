package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"AgentMarket/pkg/logger"
)

const (
	// EnvConfigPath 指定配置文件路径。
	EnvConfigPath = "AGENTMARKET_CONFIG"
	// DefaultConfigPath 是未设置 EnvConfigPath 时的配置文件路径。
	DefaultConfigPath = "configs/agentmarket.json"

	RoleClient = "client"
	RoleTool   = "tool"
)

// Config 描述了代理进程在启动阶段需要加载的全部配置。
type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Server    ServerConfig    `json:"server"`
	Logging   logger.Config   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Transport TransportConfig `json:"transport"`
	Payment   PaymentConfig   `json:"payment"`
	Verifier  VerifierConfig  `json:"verifier"`
	GitHub    GitHubConfig    `json:"github"`
	Executors ExecutorsConfig `json:"executors"`
	Events    EventsConfig    `json:"events"`
	Registry  RegistryConfig  `json:"registry"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// AgentConfig 描述代理身份与状态机参数。
type AgentConfig struct {
	// Role 为 client 或 tool。
	Role    string `json:"role"`
	Address string `json:"address"`
	Wallet  string `json:"wallet"`
	// SigningKey 为签名密钥；Ethereum 签名时为十六进制私钥。
	SigningKey string `json:"signing_key"`
	// Codec 为 hmac 或 ethereum。
	Codec     string `json:"codec"`
	PublicKey string `json:"public_key"`
	// Peers 按对端地址配置校验密钥。
	Peers           map[string]string  `json:"peers"`
	EnableBond      bool               `json:"enable_bond"`
	PendingCapacity int                `json:"pending_capacity"`
	Denom           string             `json:"denom"`
	TTLSeconds      int64              `json:"ttl_seconds"`
	Profiles        map[string]Profile `json:"profiles"`
	SweepInterval   Duration           `json:"sweep_interval"`
	JobTimeout      Duration           `json:"job_timeout"`
	CallTimeout     Duration           `json:"call_timeout"`
}

// Profile 覆盖某类任务的价格与保证金。
type Profile struct {
	Price int64 `json:"price"`
	Bond  int64 `json:"bond"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address   string `json:"address"`
	AuthToken string `json:"auth_token"`
}

// StorageConfig 描述作业存储后端与保留策略。
type StorageConfig struct {
	// Driver 为 memory、mysql 或 postgres。
	Driver            string   `json:"driver"`
	DSN               string   `json:"dsn"`
	MaxOpenConns      int      `json:"max_open_conns"`
	MaxIdleConns      int      `json:"max_idle_conns"`
	ConnMaxLifetime   Duration `json:"conn_max_lifetime"`
	RetentionDays     int      `json:"retention_days"`
	RetentionInterval Duration `json:"retention_interval"`
}

// TransportConfig 选择代理之间的消息总线。
type TransportConfig struct {
	// Driver 为 memory、redis 或 rabbitmq。
	Driver    string         `json:"driver"`
	QueueSize int            `json:"queue_size"`
	Redis     RedisConfig    `json:"redis"`
	RabbitMQ  RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 总线。
type RedisConfig struct {
	Address   string   `json:"address"`
	Password  string   `json:"password"`
	DB        int      `json:"db"`
	Prefix    string   `json:"prefix"`
	BlockWait Duration `json:"block_wait"`
}

// RabbitMQConfig 描述 RabbitMQ 总线。
type RabbitMQConfig struct {
	URL         string `json:"url"`
	QueuePrefix string `json:"queue_prefix"`
	Prefetch    int    `json:"prefetch"`
	Durable     bool   `json:"durable"`
}

// PaymentConfig 描述结算通道。
type PaymentConfig struct {
	// Driver 为 ledger 或 evm。
	Driver string `json:"driver"`
	// Simulate 仅用于测试：转账失败时以模拟交易代替。
	Simulate    bool   `json:"simulate"`
	ChainConfig string `json:"chain_config"`
	Chain       string `json:"chain"`
	RPCURL      string `json:"rpc_url"`
	// WalletKey 为 EVM 钱包的十六进制私钥。
	WalletKey string `json:"wallet_key"`
	FaucetURL string `json:"faucet_url"`
	// InitialBalances 以十进制字符串给出账本初始余额。
	InitialBalances map[string]string `json:"initial_balances"`
	FundOnStartup   bool              `json:"fund_on_startup"`
	FundWait        Duration          `json:"fund_wait"`
}

// VerifierConfig 控制回执复核。
type VerifierConfig struct {
	Timeout Duration `json:"timeout"`
}

// GitHubConfig 同时用于执行器与校验器。
type GitHubConfig struct {
	BaseURL           string   `json:"base_url"`
	Token             string   `json:"token"`
	Repo              string   `json:"repo"`
	Timeout           Duration `json:"timeout"`
	RequestsPerSecond float64  `json:"requests_per_second"`
}

// ExecutorsConfig 描述工具方的执行器。
type ExecutorsConfig struct {
	// Tasks 为启用的任务类型，为空时启用全部内置任务。
	Tasks []string `json:"tasks"`
	// Misbehave 为 invalid_signature 或 fake_url 时以作恶模式运行。
	Misbehave  string          `json:"misbehave"`
	Translate  TranslateConfig `json:"translate"`
	WeatherURL string          `json:"weather_url"`
	Timeout    Duration        `json:"timeout"`
}

// TranslateConfig 描述 LibreTranslate 兼容的翻译服务。
type TranslateConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
}

// EventsConfig 描述事件通知。
type EventsConfig struct {
	FrontendURL       string   `json:"frontend_url"`
	QueueSize         int      `json:"queue_size"`
	SendTimeout       Duration `json:"send_timeout"`
	RequestsPerSecond float64  `json:"requests_per_second"`
	Audit             bool     `json:"audit"`
}

// RegistryConfig 描述服务发现。
type RegistryConfig struct {
	// File 为静态 YAML 目录。
	File string `json:"file"`
	// URL 为远程目录地址，提供 GET /agents?task=。
	URL         string   `json:"url"`
	Timeout     Duration `json:"timeout"`
	PingTimeout Duration `json:"ping_timeout"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// PathFromEnv 返回配置文件路径。
func PathFromEnv() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultConfigPath
}

// Load 负责解析指定路径的 JSON 配置文件，并应用默认值与环境变量覆盖。
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

	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv 用环境变量覆盖密钥与部署相关字段。
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	switch strings.ToLower(c.Agent.Role) {
	case RoleClient:
		if v, ok := get("CLIENT_SIGNING_KEY"); ok {
			c.Agent.SigningKey = v
		}
	case RoleTool:
		if v, ok := get("TOOL_SIGNING_KEY"); ok {
			c.Agent.SigningKey = v
		}
	}
	if v, ok := get("GITHUB_TOKEN"); ok {
		c.GitHub.Token = v
	}
	if v, ok := get("GITHUB_REPO"); ok {
		c.GitHub.Repo = v
	}
	if v, ok := get("FRONTEND_URL"); ok {
		c.Events.FrontendURL = v
	}
	if v, ok := get("SIMULATE_PAYMENT"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Payment.Simulate = b
		}
	}
	if v, ok := get("BAD_TOOL_MODE"); ok {
		c.Executors.Misbehave = v
	}
	if v, ok := get("AGENTMARKET_API_TOKEN"); ok {
		c.Server.AuthToken = v
	}

	overrides := []struct {
		task        string
		price, bond string
	}{
		{"create_github_issue", "DEFAULT_TASK_PRICE", "DEFAULT_BOND_AMOUNT"},
		{"translate_text", "TRANSLATOR_TASK_PRICE", "TRANSLATOR_BOND_AMOUNT"},
		{"misbehave", "BAD_TOOL_TASK_PRICE", "BAD_TOOL_BOND_AMOUNT"},
	}
	for _, o := range overrides {
		profile, exists := c.Agent.Profiles[o.task]
		changed := false
		if v, ok := get(o.price); ok {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
				profile.Price, changed = n, true
			}
		}
		if v, ok := get(o.bond); ok {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
				profile.Bond, changed = n, true
			}
		}
		if changed || exists {
			if c.Agent.Profiles == nil {
				c.Agent.Profiles = make(map[string]Profile)
			}
			c.Agent.Profiles[o.task] = profile
		}
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	c.Agent.Role = strings.ToLower(strings.TrimSpace(c.Agent.Role))
	if c.Agent.Codec == "" {
		c.Agent.Codec = "hmac"
	}
	if c.Agent.Wallet == "" {
		c.Agent.Wallet = c.Agent.Address
	}
	if c.Agent.Denom == "" {
		c.Agent.Denom = "atestfet"
	}
	if c.Agent.TTLSeconds <= 0 {
		c.Agent.TTLSeconds = 300
	}
	if c.Agent.SweepInterval <= 0 {
		c.Agent.SweepInterval = Duration(30 * time.Second)
	}
	if c.Agent.JobTimeout <= 0 {
		c.Agent.JobTimeout = Duration(10 * time.Minute)
	}
	if c.Agent.CallTimeout <= 0 {
		c.Agent.CallTimeout = Duration(5 * time.Second)
	}

	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.RetentionDays <= 0 {
		c.Storage.RetentionDays = 30
	}
	if c.Storage.RetentionInterval <= 0 {
		c.Storage.RetentionInterval = Duration(24 * time.Hour)
	}

	if c.Transport.Driver == "" {
		c.Transport.Driver = "memory"
	}
	if c.Transport.QueueSize <= 0 {
		c.Transport.QueueSize = 128
	}

	if c.Payment.Driver == "" {
		c.Payment.Driver = "ledger"
	}
	if c.Payment.FundWait <= 0 {
		c.Payment.FundWait = Duration(5 * time.Second)
	}
	c.Payment.ChainConfig = resolve(baseDir, c.Payment.ChainConfig)

	if c.Verifier.Timeout <= 0 {
		c.Verifier.Timeout = Duration(5 * time.Second)
	}
	if c.GitHub.Timeout <= 0 {
		c.GitHub.Timeout = Duration(5 * time.Second)
	}
	if c.Executors.Timeout <= 0 {
		c.Executors.Timeout = Duration(5 * time.Second)
	}

	if c.Events.QueueSize <= 0 {
		c.Events.QueueSize = 256
	}
	if c.Events.SendTimeout <= 0 {
		c.Events.SendTimeout = Duration(2500 * time.Millisecond)
	}

	c.Registry.File = resolve(baseDir, c.Registry.File)
	if c.Logging.Audit.Enabled {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir)
	}
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// Validate 检查启动所需的必填字段。
func (c *Config) Validate() error {
	switch c.Agent.Role {
	case RoleClient, RoleTool:
	default:
		return fmt.Errorf("agent.role 必须为 client 或 tool，当前为 %q", c.Agent.Role)
	}
	if strings.TrimSpace(c.Agent.Address) == "" {
		return errors.New("agent.address 不能为空")
	}
	if strings.TrimSpace(c.Agent.SigningKey) == "" {
		return errors.New("缺少签名密钥，请配置 agent.signing_key 或对应的环境变量")
	}
	switch c.Storage.Driver {
	case "memory":
	case "mysql", "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("存储驱动 %s 需要 dsn", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("不支持的存储驱动 %q", c.Storage.Driver)
	}
	switch c.Transport.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("不支持的消息总线 %q", c.Transport.Driver)
	}
	switch c.Payment.Driver {
	case "ledger":
	case "evm":
		if c.Payment.WalletKey == "" {
			return errors.New("evm 结算通道需要 payment.wallet_key")
		}
	default:
		return fmt.Errorf("不支持的结算通道 %q", c.Payment.Driver)
	}
	return nil
}

// RetentionWindow 返回作业保留期。
func (c *Config) RetentionWindow() time.Duration {
	return time.Duration(c.Storage.RetentionDays) * 24 * time.Hour
}
