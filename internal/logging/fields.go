package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 app/domain/缓存策略/命中状态字段，供代理请求日志复用。
func RequestFields(app, domain, key, strategy string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"app":       app,
		"domain":    domain,
		"cache_key": key,
		"strategy":  strategy,
		"cache_hit": cacheHit,
	}
}

// LifecycleFields 描述某个 worker 实例的生命周期事件（install/activate/message）。
func LifecycleFields(app, instance, version, event string) logrus.Fields {
	return logrus.Fields{
		"action":   event,
		"app":      app,
		"instance": instance,
		"version":  version,
	}
}
