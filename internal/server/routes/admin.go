package routes

import (
	"crypto/subtle"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/sfc/internal/backend"
	"github.com/any-hub/sfc/internal/logging"
	"github.com/any-hub/sfc/internal/queue"
	"github.com/any-hub/sfc/internal/server"
	"github.com/any-hub/sfc/internal/version"
)

// TokenHeader 携带管理口令，AdminToken 为空时不校验。
const TokenHeader = "X-SFC-Token"

// AdminOptions 汇总 /-/ 管理接口依赖。
type AdminOptions struct {
	Registry  *server.SiteRegistry
	Backend   *backend.Backend
	Queue     *queue.Queue
	RuleNames []string
	Token     string
	Logger    *logrus.Logger
}

// RegisterAdminRoutes 暴露 /-/status、/-/invalidate、/-/flush 与 /-/gc，
// 供运维查询缓存状态并触发失效。
func RegisterAdminRoutes(app *fiber.App, opts AdminOptions) {
	if app == nil || opts.Backend == nil {
		return
	}
	logger := logging.Component(opts.Logger, "admin")
	guard := tokenGuard(opts.Token)

	app.Get("/-/status", guard, func(c fiber.Ctx) error {
		entries, err := opts.Backend.Count(c.Context())
		if err != nil {
			return writeError(c, fiber.StatusInternalServerError, "index_unavailable")
		}
		pending := 0
		if opts.Queue != nil {
			if pending, err = opts.Queue.Count(c.Context()); err != nil {
				return writeError(c, fiber.StatusInternalServerError, "queue_unavailable")
			}
		}
		return c.JSON(statusPayload{
			Version:    version.Full(),
			BoostMode:  opts.Backend.BoostMode(),
			Entries:    entries,
			QueueItems: pending,
			Rules:      opts.RuleNames,
			Sites:      encodeSites(opts.Registry.List()),
		})
	})

	app.Post("/-/invalidate", guard, func(c fiber.Ctx) error {
		var payload invalidatePayload
		if err := c.Bind().JSON(&payload); err != nil || len(payload.Tags) == 0 {
			return writeError(c, fiber.StatusBadRequest, "tags_required")
		}
		result, err := opts.Backend.FlushByTags(c.Context(), payload.Tags)
		logResult(logger, "admin_invalidate", result, err).WithField("tags", payload.Tags).Info("tags invalidated")
		return respondResult(c, result, err)
	})

	app.Post("/-/flush", guard, func(c fiber.Ctx) error {
		// 标签按不带端口的主机名生成，这里与之保持一致
		domain := server.Hostname(c.Query("domain"))
		result, err := opts.Backend.Flush(c.Context(), domain)
		if errors.Is(err, backend.ErrDomainRequired) {
			return writeError(c, fiber.StatusBadRequest, "domain_required")
		}
		logResult(logger, "admin_flush", result, err).WithField("domain", domain).Info("cache flushed")
		return respondResult(c, result, err)
	})

	app.Post("/-/gc", guard, func(c fiber.Ctx) error {
		result, err := opts.Backend.CollectGarbage(c.Context())
		logResult(logger, "admin_gc", result, err).Info("garbage collected")
		return respondResult(c, result, err)
	})
}

type statusPayload struct {
	Version    string        `json:"version"`
	BoostMode  bool          `json:"boost_mode"`
	Entries    int           `json:"entries"`
	QueueItems int           `json:"queue_items"`
	Rules      []string      `json:"rules"`
	Sites      []sitePayload `json:"sites"`
}

type sitePayload struct {
	Name     string `json:"name"`
	Domain   string `json:"domain"`
	Origin   string `json:"origin"`
	Scheme   string `json:"scheme"`
	Lifetime int64  `json:"lifetime_seconds"`
}

type invalidatePayload struct {
	Tags []string `json:"tags"`
}

func encodeSites(routes []server.SiteRoute) []sitePayload {
	result := make([]sitePayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, sitePayload{
			Name:     route.Config.Name,
			Domain:   route.Config.Domain,
			Origin:   route.Config.Origin,
			Scheme:   route.Scheme(),
			Lifetime: int64(route.Lifetime.Seconds()),
		})
	}
	return result
}

// tokenGuard 在路由处理前校验口令。
func tokenGuard(token string) fiber.Handler {
	return func(c fiber.Ctx) error {
		if token == "" {
			return c.Next()
		}
		if subtle.ConstantTimeCompare([]byte(c.Get(TokenHeader)), []byte(token)) != 1 {
			return writeError(c, fiber.StatusUnauthorized, "invalid_token")
		}
		return c.Next()
	}
}

func respondResult(c fiber.Ctx, result backend.Result, err error) error {
	if err != nil {
		// 部分失败时仍返回统计，方便调用方判断重试范围
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":  "invalidation_incomplete",
			"result": result,
		})
	}
	return c.JSON(result)
}

func logResult(logger *logrus.Entry, action string, result backend.Result, err error) *logrus.Entry {
	entry := logger.WithFields(logrus.Fields{
		"action":  action,
		"matched": result.Matched,
		"removed": result.Removed,
		"queued":  result.Queued,
		"failed":  result.Failed,
	})
	if err != nil {
		entry = entry.WithError(err)
	}
	return entry
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}
