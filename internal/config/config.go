package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 HashBot 在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Storage    StorageConfig    `json:"storage"`
	Guard      GuardConfig      `json:"guard"`
	Chain      ChainConfig      `json:"chain"`
	Payment    PaymentConfig    `json:"payment"`
	Settlement SettlementConfig `json:"settlement"`
	Queue      QueueConfig      `json:"queue"`
	Skills     SkillsConfig     `json:"skills"`
	Alerting   AlertingConfig   `json:"alerting"`
	Logging    LoggingConfig    `json:"logging"`
}

// ServerConfig 控制 JSON-RPC 服务的监听地址与名片路径。
type ServerConfig struct {
	Address       string `json:"address"`
	AgentCardPath string `json:"agent_card_path"`
}

// StorageConfig 统一描述任务与结算记录的持久化后端。
type StorageConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// GuardConfig 描述防重层后端。memory 只保证单进程内的防重,
// 多实例部署必须使用 redis。
type GuardConfig struct {
	Driver   string `json:"driver"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// ChainConfig 描述链接入参数。网络定义文件给出候选网络,
// Network 选定其中一个作为结算网络。
type ChainConfig struct {
	NetworksPath string `json:"networks_path"`
	Network      string `json:"network"`
	SenderKeyHex string `json:"sender_key_hex"`
}

// PaymentConfig 描述付款协商的默认参数。
type PaymentConfig struct {
	QuoteTTLSeconds    int    `json:"quote_ttl_seconds"`
	MaxPaymentAttempts int    `json:"max_payment_attempts"`
	Recipient          string `json:"recipient"`
}

// SettlementConfig 控制结算确认的节奏。
type SettlementConfig struct {
	Confirmations  uint64 `json:"confirmations"`
	PollBaseMillis int    `json:"poll_base_millis"`
	PollMaxMillis  int    `json:"poll_max_millis"`
	PollAttempts   int    `json:"poll_attempts"`
	WatcherWorkers int    `json:"watcher_workers"`
	SubmitRetries  int    `json:"submit_retries"`
	SubmitDelayMs  int    `json:"submit_delay_millis"`
	ExpireScanSecs int    `json:"expire_scan_seconds"`
	RecoverOnStart bool   `json:"recover_on_start"`
}

// QueueConfig 描述结算巡检队列。
type QueueConfig struct {
	Driver   string `json:"driver"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefetch int    `json:"prefetch"`
}

// SkillsConfig 描述付费技能的定价, 金额为资产最小单位的十进制字符串。
type SkillsConfig struct {
	CryptoAnalystPrice string `json:"crypto_analyst_price"`
	TranslatorPrice    string `json:"translator_price"`
	CodeReviewerPrice  string `json:"code_reviewer_price"`
}

// AlertingConfig 描述告警通道。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// LoggingConfig 描述日志输出。
type LoggingConfig struct {
	Level     string `json:"level"`
	Format    string `json:"format"`
	AuditPath string `json:"audit_path"`
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
	if c.Server.AgentCardPath != "" && !filepath.IsAbs(c.Server.AgentCardPath) {
		c.Server.AgentCardPath = filepath.Join(baseDir, c.Server.AgentCardPath)
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Guard.Driver == "" {
		c.Guard.Driver = "memory"
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}

	if c.Chain.NetworksPath == "" {
		c.Chain.NetworksPath = filepath.Join(baseDir, "chains.yaml")
	} else if !filepath.IsAbs(c.Chain.NetworksPath) {
		c.Chain.NetworksPath = filepath.Join(baseDir, c.Chain.NetworksPath)
	}

	if c.Payment.QuoteTTLSeconds <= 0 {
		c.Payment.QuoteTTLSeconds = 300
	}
	if c.Payment.MaxPaymentAttempts <= 0 {
		c.Payment.MaxPaymentAttempts = 3
	}

	if c.Settlement.Confirmations == 0 {
		c.Settlement.Confirmations = 1
	}
	if c.Settlement.PollBaseMillis <= 0 {
		c.Settlement.PollBaseMillis = 500
	}
	if c.Settlement.PollMaxMillis <= 0 {
		c.Settlement.PollMaxMillis = 8000
	}
	if c.Settlement.PollAttempts <= 0 {
		c.Settlement.PollAttempts = 30
	}
	if c.Settlement.WatcherWorkers <= 0 {
		c.Settlement.WatcherWorkers = 2
	}
	if c.Settlement.ExpireScanSecs <= 0 {
		c.Settlement.ExpireScanSecs = 30
	}
}
