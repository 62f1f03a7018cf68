package routes

import (
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/edge-mirror/internal/server"
	"github.com/any-hub/edge-mirror/internal/version"
)

// CacheStats 暴露缓存条目数，cache.MemoryStore 满足该接口。
type CacheStats interface {
	Len() int
	TTL() time.Duration
}

// RegisterMirrorRoutes 暴露 /-/mirrors 与 /-/healthz 诊断接口，供运维查询前缀映射与缓存规模。
func RegisterMirrorRoutes(app *fiber.App, registry *server.MirrorRegistry, stats CacheStats) {
	if app == nil || registry == nil {
		return
	}

	app.Get("/-/mirrors", func(c fiber.Ctx) error {
		payload := fiber.Map{
			"mirrors": encodeMirrors(registry.List()),
		}
		if stats != nil {
			payload["cache"] = cachePayload{
				Entries:    stats.Len(),
				TTLSeconds: int64(stats.TTL() / time.Second),
			}
		}
		return c.JSON(payload)
	})

	app.Get("/-/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"version": version.Full(),
		})
	})
}

type mirrorPayload struct {
	Name   string `json:"name"`
	Prefix string `json:"prefix"`
	Origin string `json:"origin"`
}

type cachePayload struct {
	Entries    int   `json:"entries"`
	TTLSeconds int64 `json:"ttl_seconds"`
}

func encodeMirrors(routes []server.MirrorRoute) []mirrorPayload {
	if len(routes) == 0 {
		return nil
	}
	result := make([]mirrorPayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, mirrorPayload{
			Name:   route.Name,
			Prefix: route.Prefix,
			Origin: route.Origin,
		})
	}
	return result
}
