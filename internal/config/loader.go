package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix 是覆盖全局配置项的环境变量前缀，例如 PACKREADY_LISTENPORT。
const EnvPrefix = "PACKREADY"

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	return decode(v)
}

// Watch 监听配置文件变化。每次变化都会重新解析与校验，成功时回调 onChange，
// 失败时回调 onError 且调用方应继续使用旧配置。
func Watch(path string, onChange func(*Config), onError func(error)) error {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("读取配置失败: %w", err)
	}
	v.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		if onChange != nil {
			onChange(cfg)
		}
	})
	v.WatchConfig()
	return nil
}

func newViper(path string) *viper.Viper {
	if path == "" {
		path = "config.toml"
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyLivenessDefaults(&cfg.Liveness)
	for i := range cfg.Links {
		normalizeLink(&cfg.Links[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Global.StoreBackend != "memory" {
		absStorage, err := filepath.Abs(cfg.Global.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析存储目录: %w", err)
		}
		cfg.Global.StoragePath = absStorage
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StoreBackend", "file")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("HoneybadgerAPIKey", "")
	v.SetDefault("Env", "production")
	v.SetDefault("Liveness.TTL", "24h")
	v.SetDefault("Liveness.MaxConcurrency", 0)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	g.StoreBackend = strings.ToLower(strings.TrimSpace(g.StoreBackend))
	if g.StoreBackend == "" {
		g.StoreBackend = "file"
	}
}

func applyLivenessDefaults(l *LivenessConfig) {
	if l.TTL.DurationValue() == 0 {
		l.TTL = Duration(24 * time.Hour)
	}
	if l.MaxConcurrency < 0 {
		l.MaxConcurrency = 0
	}
}

func normalizeLink(l *LinkConfig) {
	l.ID = strings.TrimSpace(l.ID)
	l.URL = strings.TrimSpace(l.URL)
	l.Title = strings.TrimSpace(l.Title)
	if l.Title == "" {
		l.Title = l.ID
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
