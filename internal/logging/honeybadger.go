package logging

import (
	"errors"
	"fmt"

	honeybadger "github.com/honeybadger-io/honeybadger-go"
	"github.com/sirupsen/logrus"
)

// notifier 是 honeybadger.Client 的最小子集。
type notifier interface {
	Notify(err interface{}, extra ...interface{}) (string, error)
}

// HoneybadgerHook 把 Error 及以上级别的日志上报到 Honeybadger。
type HoneybadgerHook struct {
	client notifier
}

// NewHoneybadgerHook 使用 API Key 创建上报 Hook；apiKey 为空时返回 nil。
func NewHoneybadgerHook(apiKey, env string) *HoneybadgerHook {
	if apiKey == "" {
		return nil
	}
	client := honeybadger.New(honeybadger.Configuration{APIKey: apiKey, Env: env})
	return &HoneybadgerHook{client: client}
}

// Levels 实现 logrus.Hook。
func (h *HoneybadgerHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel}
}

// Fire 实现 logrus.Hook，日志字段作为上下文一并上报。
func (h *HoneybadgerHook) Fire(entry *logrus.Entry) error {
	ctx := honeybadger.Context{}
	var cause error
	for key, value := range entry.Data {
		if key == logrus.ErrorKey {
			if err, ok := value.(error); ok {
				cause = err
				continue
			}
		}
		ctx[key] = fmt.Sprint(value)
	}

	report := errors.New(entry.Message)
	if cause != nil {
		report = fmt.Errorf("%s: %w", entry.Message, cause)
	}
	if _, err := h.client.Notify(report, ctx, honeybadger.Tags{entry.Level.String()}); err != nil {
		return fmt.Errorf("honeybadger notify: %w", err)
	}
	return nil
}
