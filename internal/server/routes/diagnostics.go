package routes

import (
	"errors"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/server"
	"github.com/any-hub/shellcache/internal/worker"
)

// RegisterDiagnosticsRoutes 暴露 /-/apps 与 /-/metrics 诊断接口，供运维查询各 App 的
// worker 生命周期、缓存占用，并手动投递宿主消息或重新部署清单。
func RegisterDiagnosticsRoutes(app *fiber.App, registry *server.AppRegistry, gatherer prometheus.Gatherer, logger *logrus.Logger) {
	if app == nil || registry == nil {
		return
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	app.Get("/-/apps", func(c fiber.Ctx) error {
		routes := registry.List()
		payload := make([]appPayload, 0, len(routes))
		for _, route := range routes {
			payload = append(payload, encodeApp(route))
		}
		return c.JSON(fiber.Map{"apps": payload})
	})

	app.Get("/-/apps/:name", func(c fiber.Ctx) error {
		route, ok := registry.Get(c.Params("name"))
		if !ok {
			return writeAppNotFound(c)
		}
		stats, err := route.Host.Inspect(c.Context())
		if err != nil {
			logger.WithFields(logrus.Fields{"action": "inspect", "app": route.Config.Name}).
				WithError(err).Warn("cache inspect failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "inspect_failed"})
		}
		return c.JSON(appDetailPayload{
			appPayload: encodeApp(route),
			Caches:     encodeStores(stats),
		})
	})

	app.Post("/-/apps/:name/messages", func(c fiber.Ctx) error {
		route, ok := registry.Get(c.Params("name"))
		if !ok {
			return writeAppNotFound(c)
		}
		msg := strings.TrimSpace(string(c.Body()))
		err := route.Host.Message(c.Context(), msg)
		fields := logrus.Fields{"action": "message", "app": route.Config.Name, "message": msg}
		switch {
		case err == nil:
			logger.WithFields(fields).Info("message handled")
			return c.JSON(fiber.Map{"status": "ok", "message": msg})
		case errors.Is(err, worker.ErrUnknownMessage):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_message"})
		case errors.Is(err, worker.ErrNoWaitingInstance):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "no_waiting_instance"})
		case errors.Is(err, worker.ErrNoActiveInstance):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "no_active_instance"})
		default:
			logger.WithFields(fields).WithError(err).Warn("message failed")
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "message_failed", "detail": err.Error()})
		}
	})

	app.Post("/-/apps/:name/deploy", func(c fiber.Ctx) error {
		route, ok := registry.Get(c.Params("name"))
		if !ok {
			return writeAppNotFound(c)
		}
		fields := logrus.Fields{"action": "deploy", "app": route.Config.Name, "manifest": route.Config.ManifestPath}
		m, err := route.Deploy(c.Context())
		if err != nil {
			logger.WithFields(fields).WithError(err).Warn("manual deploy failed")
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "deploy_failed", "detail": err.Error()})
		}
		logger.WithFields(fields).WithField("version", m.Manifest().Version).Info("manual deploy complete")
		return c.JSON(fiber.Map{
			"status":   string(m.State()),
			"instance": m.ID(),
			"version":  m.Manifest().Version,
		})
	})

	if gatherer != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}

func writeAppNotFound(c fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "app_not_found"})
}

type appPayload struct {
	Name     string        `json:"name"`
	Domain   string        `json:"domain"`
	Origin   string        `json:"origin"`
	Upstream string        `json:"upstream"`
	Manifest string        `json:"manifest_path"`
	Watch    bool          `json:"watch_manifest"`
	Status   worker.Status `json:"status"`
}

type appDetailPayload struct {
	appPayload
	Caches []storePayload `json:"caches"`
}

type storePayload struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Bytes   int64  `json:"bytes"`
	Size    string `json:"size"`
}

func encodeApp(route *server.AppRoute) appPayload {
	return appPayload{
		Name:     route.Config.Name,
		Domain:   route.Config.Domain,
		Origin:   route.Config.Origin,
		Upstream: route.Config.Upstream,
		Manifest: route.Config.ManifestPath,
		Watch:    route.Config.WatchManifest,
		Status:   route.Host.Status(),
	}
}

func encodeStores(stats []worker.StoreStats) []storePayload {
	out := make([]storePayload, 0, len(stats))
	for _, item := range stats {
		out = append(out, storePayload{
			Name:    item.Name,
			Entries: item.Entries,
			Bytes:   item.Bytes,
			Size:    humanize.Bytes(uint64(item.Bytes)),
		})
	}
	return out
}
