package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/manifest"
	"github.com/any-hub/shellcache/internal/worker"
)

// Deploy 重新读取 App 的清单文件并交给 worker.Host 安装/激活。
func (r *AppRoute) Deploy(ctx context.Context) (*worker.Manager, error) {
	mf, err := manifest.Load(r.Config.ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("app %s: %w", r.Config.Name, err)
	}
	return r.Host.Deploy(ctx, mf)
}

// Bootstrap 启动时为每个 App 部署一次清单。单个 App 失败只记日志，
// 该 App 在成功部署前所有请求直接透传上游。
func Bootstrap(ctx context.Context, registry *AppRegistry, logger *logrus.Logger) int {
	failed := 0
	for _, route := range registry.List() {
		fields := logrus.Fields{
			"action":   "bootstrap",
			"app":      route.Config.Name,
			"manifest": route.Config.ManifestPath,
		}
		m, err := route.Deploy(ctx)
		if err != nil {
			failed++
			logger.WithFields(fields).WithError(err).Error("initial deploy failed")
			continue
		}
		fields["version"] = m.Manifest().Version
		fields["instance"] = m.ID()
		logger.WithFields(fields).Info("app deployed")
	}
	return failed
}

// WatchManifests 为开启 WatchManifest 的 App 启动清单监听，文件变化后自动重新部署。
// 返回的 wait 函数在 ctx 取消后阻塞直到所有监听协程退出。
func WatchManifests(ctx context.Context, registry *AppRegistry, debounce time.Duration, logger *logrus.Logger) (wait func()) {
	var wg sync.WaitGroup
	for _, route := range registry.List() {
		if !route.Config.WatchManifest {
			continue
		}
		route := route
		fields := logrus.Fields{
			"action":   "manifest_watch",
			"app":      route.Config.Name,
			"manifest": route.Config.ManifestPath,
		}
		watcher := manifest.NewWatcher(route.Config.ManifestPath, debounce,
			func(ctx context.Context) {
				m, err := route.Deploy(ctx)
				if err != nil {
					logger.WithFields(fields).WithError(err).Warn("redeploy failed")
					return
				}
				logger.WithFields(fields).WithField("version", m.Manifest().Version).Info("app redeployed")
			},
			func(err error) {
				logger.WithFields(fields).WithError(err).Warn("manifest watcher error")
			})

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := watcher.Run(ctx); err != nil {
				logger.WithFields(fields).WithError(err).Error("manifest watcher stopped")
			}
		}()
	}
	return wg.Wait
}
