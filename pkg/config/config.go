// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config agent 配置
type Config struct {
	Wallet     WalletConfig      `mapstructure:"wallet"`
	Transport  []TransportConfig `mapstructure:"transport"`
	Conductor  ConductorConfig   `mapstructure:"conductor"`
	Storage    StorageConfig     `mapstructure:"storage"`
	Log        LogConfig         `mapstructure:"log"`
	Monitoring MonitoringConfig  `mapstructure:"monitoring"`
}

// WalletConfig ephemeral 为 true 时每次打开前清空
type WalletConfig struct {
	Name       string `mapstructure:"name"`
	Passphrase string `mapstructure:"passphrase"`
	Ephemeral  bool   `mapstructure:"ephemeral"`
}

// TransportConfig 入站传输：name 取 http | ws | http+ws | std
type TransportConfig struct {
	Name    string           `mapstructure:"name"`
	Options TransportOptions `mapstructure:"options"`
}

type TransportOptions struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Path         string `mapstructure:"path"`
	RateLimitRPS int    `mapstructure:"rate_limit_rps"`
}

// ConductorConfig 超时与队列容量
type ConductorConfig struct {
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
	OutboundTimeout time.Duration `mapstructure:"outbound_timeout"`
	IntakeSize      int           `mapstructure:"intake_size"`
}

// StorageConfig 存储配置
type StorageConfig struct {
	Metadata MetadataStoreConfig `mapstructure:"metadata"`
	Pending  PendingStoreConfig  `mapstructure:"pending"`
	Secrets  SecretsConfig       `mapstructure:"secrets"`
}

// MetadataStoreConfig wallet DID 与服务元数据：memory | redis
type MetadataStoreConfig struct {
	Type     string `mapstructure:"type"`
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
	Prefix   string `mapstructure:"prefix"`
}

// PendingStoreConfig 待发队列：memory | postgres
type PendingStoreConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

// SecretsConfig wallet 私钥存放：memory | env | vault
type SecretsConfig struct {
	Provider   string `mapstructure:"provider"`
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	PathPrefix string `mapstructure:"path_prefix"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// TracingConfig 链路追踪（OpenTelemetry）配置
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
}

// DefaultPort 未配置传输时 http 的端口
const DefaultPort = 3000

func setDefaults(v *viper.Viper) {
	v.SetDefault("conductor.shutdown_timeout", "5s")
	v.SetDefault("conductor.response_timeout", "5s")
	v.SetDefault("conductor.outbound_timeout", "30s")
	v.SetDefault("conductor.intake_size", 64)
	v.SetDefault("storage.metadata.type", "memory")
	v.SetDefault("storage.pending.type", "memory")
	v.SetDefault("storage.secrets.provider", "memory")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("monitoring.tracing.service_name", "didcomm-agent")
}

// NewFlagSet 命令行参数；未显式给出的参数不覆盖配置文件
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringP("config", "c", "", "Load configuration from FILE")
	fs.StringArrayP("inbound-transport", "i", nil, "Set the inbound transports (http, ws, http+ws, std)")
	fs.Int("port", 0, "Run inbound transport on PORT")
	fs.StringP("wallet", "w", "", "Specify wallet")
	fs.StringP("passphrase", "p", "", "Wallet passphrase")
	fs.Bool("ephemeral", false, "Use ephemeral wallets")
	fs.String("log-level", "", "Log level (debug, info, warn, error)")
	return fs
}

// Load 解析命令行并加载配置文件；优先级：命令行 > 环境变量 > 文件 > 默认值
func Load(fs *pflag.FlagSet, args []string) (*Config, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("无法读取配置文件: %w", err)
		}
	}
	for key, flag := range map[string]string{
		"wallet.name":       "wallet",
		"wallet.passphrase": "passphrase",
		"wallet.ephemeral":  "ephemeral",
		"log.level":         "log-level",
	} {
		if f := fs.Lookup(flag); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	if fs.Changed("inbound-transport") {
		names, _ := fs.GetStringArray("inbound-transport")
		cfg.Transport = cfg.Transport[:0]
		for _, n := range names {
			cfg.Transport = append(cfg.Transport, TransportConfig{Name: n})
		}
	}
	if len(cfg.Transport) == 0 {
		cfg.Transport = []TransportConfig{{Name: "http", Options: TransportOptions{Port: DefaultPort}}}
	}
	if fs.Changed("port") {
		port, _ := fs.GetInt("port")
		for i := range cfg.Transport {
			cfg.Transport[i].Options.Port = port
		}
	}
	for i := range cfg.Transport {
		if cfg.Transport[i].Options.Port == 0 && cfg.Transport[i].Name != "std" {
			cfg.Transport[i].Options.Port = DefaultPort
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig 仅从文件加载（无命令行）
func LoadConfig(configPath string) (*Config, error) {
	return Load(NewFlagSet("agent"), []string{"--config", configPath})
}

var knownTransports = map[string]bool{"http": true, "ws": true, "http+ws": true, "std": true}

// Validate 必填项与取值范围
func (c *Config) Validate() error {
	if c.Wallet.Name == "" {
		return fmt.Errorf("配置校验失败: wallet.name 不能为空")
	}
	if c.Wallet.Passphrase == "" {
		return fmt.Errorf("配置校验失败: wallet.passphrase 不能为空")
	}
	for _, t := range c.Transport {
		if !knownTransports[t.Name] {
			return fmt.Errorf("配置校验失败: 未知传输 %q", t.Name)
		}
	}
	if c.Conductor.ShutdownTimeout <= 0 {
		return fmt.Errorf("配置校验失败: conductor.shutdown_timeout 必须为正")
	}
	return nil
}
