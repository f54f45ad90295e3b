package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ClientConfig 会话客户端总配置
type ClientConfig struct {
	// URL 会话服务器地址 (ws:// 或 wss://)
	URL string `yaml:"url" json:"url"`

	// Token 接入令牌
	Token string `yaml:"token" json:"token"`

	// AutoSubscribe 是否自动订阅远端轨道
	AutoSubscribe bool `yaml:"auto_subscribe" json:"auto_subscribe"`

	// AdaptiveStream 是否启用自适应码流
	AdaptiveStream bool `yaml:"adaptive_stream" json:"adaptive_stream"`

	// Codec 信令编码格式 (json)
	Codec string `yaml:"codec" json:"codec"`

	// JoinTimeout 加入会话超时
	JoinTimeout time.Duration `yaml:"join_timeout" json:"join_timeout"`

	// NegotiationTimeout 单次 SDP 协商超时
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout" json:"negotiation_timeout"`

	// PublishAckTimeout 发布确认超时
	PublishAckTimeout time.Duration `yaml:"publish_ack_timeout" json:"publish_ack_timeout"`

	// MaxJoinAttempts 初次加入时对 server-unreachable 错误的最大重试次数
	MaxJoinAttempts int `yaml:"max_join_attempts" json:"max_join_attempts"`

	// ICETransportPolicy ICE 传输策略 (all, relay)
	ICETransportPolicy string `yaml:"ice_transport_policy" json:"ice_transport_policy"`

	// Logging 日志配置
	Logging *LoggingConfig `yaml:"logging" json:"logging"`

	// Metrics 监控配置
	Metrics *MetricsConfig `yaml:"metrics" json:"metrics"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	// Enabled 是否启用调试监控端点
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Addr 监控端点监听地址
	Addr string `yaml:"addr" json:"addr"`
}

// DefaultClientConfig 返回默认客户端配置
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		AutoSubscribe:      true,
		AdaptiveStream:     false,
		Codec:              "json",
		JoinTimeout:        15 * time.Second,
		NegotiationTimeout: 10 * time.Second,
		PublishAckTimeout:  10 * time.Second,
		MaxJoinAttempts:    3,
		ICETransportPolicy: "all",
		Logging:            DefaultLoggingConfig(),
		Metrics: &MetricsConfig{
			Enabled: false,
			Addr:    ":9091",
		},
	}
}

// Validate 验证客户端配置
func (c *ClientConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("server url is required")
	}
	if !strings.HasPrefix(c.URL, "ws://") && !strings.HasPrefix(c.URL, "wss://") &&
		!strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
		return fmt.Errorf("invalid server url scheme: %s", c.URL)
	}

	if c.JoinTimeout <= 0 {
		return fmt.Errorf("join_timeout must be positive")
	}
	if c.NegotiationTimeout <= 0 {
		return fmt.Errorf("negotiation_timeout must be positive")
	}
	if c.PublishAckTimeout <= 0 {
		return fmt.Errorf("publish_ack_timeout must be positive")
	}
	if c.MaxJoinAttempts < 1 {
		return fmt.Errorf("max_join_attempts must be at least 1")
	}

	if c.ICETransportPolicy != "all" && c.ICETransportPolicy != "relay" {
		return fmt.Errorf("invalid ice_transport_policy: %s, must be 'all' or 'relay'", c.ICETransportPolicy)
	}

	if c.Codec != "json" {
		return fmt.Errorf("unsupported signal codec: %s", c.Codec)
	}

	if c.Logging != nil {
		if err := c.Logging.Validate(); err != nil {
			return fmt.Errorf("logging config: %w", err)
		}
	}

	return nil
}

// Merge 合并客户端配置
func (c *ClientConfig) Merge(other *ClientConfig) error {
	if other == nil {
		return nil
	}

	if other.URL != "" {
		c.URL = other.URL
	}
	if other.Token != "" {
		c.Token = other.Token
	}
	if other.Codec != "" {
		c.Codec = other.Codec
	}
	if other.JoinTimeout > 0 {
		c.JoinTimeout = other.JoinTimeout
	}
	if other.NegotiationTimeout > 0 {
		c.NegotiationTimeout = other.NegotiationTimeout
	}
	if other.PublishAckTimeout > 0 {
		c.PublishAckTimeout = other.PublishAckTimeout
	}
	if other.MaxJoinAttempts > 0 {
		c.MaxJoinAttempts = other.MaxJoinAttempts
	}
	if other.ICETransportPolicy != "" {
		c.ICETransportPolicy = other.ICETransportPolicy
	}
	c.AutoSubscribe = other.AutoSubscribe
	c.AdaptiveStream = other.AdaptiveStream

	if other.Logging != nil {
		if c.Logging == nil {
			c.Logging = DefaultLoggingConfig()
		}
		if err := c.Logging.Merge(other.Logging); err != nil {
			return err
		}
	}
	if other.Metrics != nil {
		c.Metrics = other.Metrics
	}

	return c.Validate()
}

// UnmarshalYAML 支持 "30s" 形式的时长字段
func (c *ClientConfig) UnmarshalYAML(value *yaml.Node) error {
	type rawConfig struct {
		URL                string         `yaml:"url"`
		Token              string         `yaml:"token"`
		AutoSubscribe      bool           `yaml:"auto_subscribe"`
		AdaptiveStream     bool           `yaml:"adaptive_stream"`
		Codec              string         `yaml:"codec"`
		JoinTimeout        string         `yaml:"join_timeout"`
		NegotiationTimeout string         `yaml:"negotiation_timeout"`
		PublishAckTimeout  string         `yaml:"publish_ack_timeout"`
		MaxJoinAttempts    int            `yaml:"max_join_attempts"`
		ICETransportPolicy string         `yaml:"ice_transport_policy"`
		Logging            *LoggingConfig `yaml:"logging"`
		Metrics            *MetricsConfig `yaml:"metrics"`
	}

	raw := rawConfig{}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	c.URL = raw.URL
	c.Token = raw.Token
	c.AutoSubscribe = raw.AutoSubscribe
	c.AdaptiveStream = raw.AdaptiveStream
	c.Codec = raw.Codec
	c.MaxJoinAttempts = raw.MaxJoinAttempts
	c.ICETransportPolicy = raw.ICETransportPolicy
	c.Logging = raw.Logging
	c.Metrics = raw.Metrics

	parse := func(name, s string, dst *time.Duration) error {
		if s == "" {
			return nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		*dst = d
		return nil
	}
	if err := parse("join_timeout", raw.JoinTimeout, &c.JoinTimeout); err != nil {
		return err
	}
	if err := parse("negotiation_timeout", raw.NegotiationTimeout, &c.NegotiationTimeout); err != nil {
		return err
	}
	return parse("publish_ack_timeout", raw.PublishAckTimeout, &c.PublishAckTimeout)
}

// LoadFromFile 从 YAML 文件加载配置并与默认值合并
func LoadFromFile(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	loaded := &ClientConfig{}
	if err := yaml.Unmarshal(data, loaded); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg := DefaultClientConfig()
	if err := cfg.Merge(loaded); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	return cfg, nil
}
