package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"24h" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// GlobalConfig 描述进程级参数：监听端口、日志、存储与上游超时。
type GlobalConfig struct {
	ListenPort        int      `mapstructure:"ListenPort"`
	LogLevel          string   `mapstructure:"LogLevel"`
	LogFilePath       string   `mapstructure:"LogFilePath"`
	LogMaxSize        int      `mapstructure:"LogMaxSize"`
	LogMaxBackups     int      `mapstructure:"LogMaxBackups"`
	LogCompress       bool     `mapstructure:"LogCompress"`
	StoragePath       string   `mapstructure:"StoragePath"`
	StoreBackend      string   `mapstructure:"StoreBackend"`
	UpstreamTimeout   Duration `mapstructure:"UpstreamTimeout"`
	HoneybadgerAPIKey string   `mapstructure:"HoneybadgerAPIKey"`
	Env               string   `mapstructure:"Env"`
}

// GuideConfig 指向远程指南文档。
type GuideConfig struct {
	URL string `mapstructure:"URL"`
}

// LivenessConfig 控制链接校验的 TTL 与并发度。
type LivenessConfig struct {
	TTL            Duration `mapstructure:"TTL"`
	MaxConcurrency int      `mapstructure:"MaxConcurrency"`
}

// LinkConfig 是一条被监控的外部链接。
type LinkConfig struct {
	ID    string `mapstructure:"ID"`
	Title string `mapstructure:"Title"`
	URL   string `mapstructure:"URL"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global   GlobalConfig   `mapstructure:",squash"`
	Guide    GuideConfig    `mapstructure:"Guide"`
	Liveness LivenessConfig `mapstructure:"Liveness"`
	Links    []LinkConfig   `mapstructure:"Link"`
}

// LinkIDs 返回链接 ID 列表，供诊断输出使用。
func (c *Config) LinkIDs() []string {
	if c == nil || len(c.Links) == 0 {
		return nil
	}
	ids := make([]string, len(c.Links))
	for i, link := range c.Links {
		ids[i] = link.ID
	}
	return ids
}
