package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// CacheFields 提供组件名与存储键字段，供各缓存组件的决策日志复用。
func CacheFields(component, key string) logrus.Fields {
	return logrus.Fields{
		"component": component,
		"store_key": key,
	}
}
