package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config 配置
type Config struct {
	Service    ServiceConfig    `yaml:"service" json:"service"`
	Postgres   PostgresConfig   `yaml:"postgres" json:"postgres"`
	Redis      RedisConfig      `yaml:"redis" json:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka" json:"kafka"`
	Ledger     LedgerConfig     `yaml:"ledger" json:"ledger"`
	Protocol   ProtocolConfig   `yaml:"protocol" json:"protocol"`
	Settlement SettlementConfig `yaml:"settlement" json:"settlement"`
	Log        LogConfig        `yaml:"log" json:"log"`
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name     string `yaml:"name" json:"name"`
	HTTPPort int    `yaml:"http_port" json:"http_port"`
	Env      string `yaml:"env" json:"env"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port"`
	Database        string `yaml:"database" json:"database"`
	User            string `yaml:"user" json:"user"`
	Password        string `yaml:"password" json:"password"`
	MaxConnections  int    `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	PoolSize int    `yaml:"pool_size" json:"pool_size"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Brokers  []string `yaml:"brokers" json:"brokers"`
	ClientID string   `yaml:"client_id" json:"client_id"`
}

// LedgerConfig Sui 账本配置
type LedgerConfig struct {
	RPCURL      string `yaml:"rpc_url" json:"rpc_url"`
	Mnemonic    string `yaml:"mnemonic" json:"mnemonic"`
	PackageID   string `yaml:"package_id" json:"package_id"`
	Module      string `yaml:"module" json:"module"`
	Function    string `yaml:"function" json:"function"`
	RegistryID  string `yaml:"registry_id" json:"registry_id"`
	AdminCapID  string `yaml:"admin_cap_id" json:"admin_cap_id"`
	VaultID     string `yaml:"vault_id" json:"vault_id"`
	ClockID     string `yaml:"clock_id" json:"clock_id"`
	GasBudget   string `yaml:"gas_budget" json:"gas_budget"`
	ExplorerURL string `yaml:"explorer_url" json:"explorer_url"`
}

// ProtocolConfig 协议静态配置
type ProtocolConfig struct {
	ID      int64  `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name"`
	Account string `yaml:"account" json:"account"`
}

// SettlementConfig 结算与对账配置
type SettlementConfig struct {
	FeeAmount           int64  `yaml:"fee_amount" json:"fee_amount"`
	DefaultSubjectLabel string `yaml:"default_subject_label" json:"default_subject_label"`
	ReconcileInterval   int    `yaml:"reconcile_interval" json:"reconcile_interval"` // 秒
	ReconcileBatchSize  int    `yaml:"reconcile_batch_size" json:"reconcile_batch_size"`
	ReconcileMaxRetries int    `yaml:"reconcile_max_retries" json:"reconcile_max_retries"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// 环境变量替换
	content := string(data)
	content = expandEnvVars(content)

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, err
	}

	// 设置默认值
	setDefaults(&cfg)

	return &cfg, nil
}

// expandEnvVars 展开环境变量 ${VAR:default}
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		expr := result[start+2 : end]
		parts := strings.SplitN(expr, ":", 2)
		varName := parts[0]
		defaultVal := ""
		if len(parts) > 1 {
			defaultVal = parts[1]
		}

		value := os.Getenv(varName)
		if value == "" {
			value = defaultVal
		}

		result = result[:start] + value + result[end+1:]
	}
	return result
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "veripay-settlement"
	}
	if cfg.Service.HTTPPort == 0 {
		cfg.Service.HTTPPort = 8080
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 50
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 10
	}
	if cfg.Postgres.ConnMaxLifetime == 0 {
		cfg.Postgres.ConnMaxLifetime = 3600
	}

	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 50
	}

	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = cfg.Service.Name
	}

	if cfg.Settlement.FeeAmount == 0 {
		cfg.Settlement.FeeAmount = 3000000 // MIST
	}
	if cfg.Settlement.DefaultSubjectLabel == "" {
		cfg.Settlement.DefaultSubjectLabel = "DID Verification"
	}
	if cfg.Settlement.ReconcileInterval == 0 {
		cfg.Settlement.ReconcileInterval = 60
	}
	if cfg.Settlement.ReconcileBatchSize == 0 {
		cfg.Settlement.ReconcileBatchSize = 20
	}
	if cfg.Settlement.ReconcileMaxRetries == 0 {
		cfg.Settlement.ReconcileMaxRetries = 5
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// GetEnvInt 获取环境变量整数值
func GetEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// GetEnvString 获取环境变量字符串值
func GetEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
