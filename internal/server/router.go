package server

import (
	"crypto/subtle"
	"errors"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/basicauth"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/gofiber/fiber/v3/middleware/static"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/edge-mirror/internal/config"
)

// MirrorHandler describes the component serving the asset namespace. It
// allows injecting fake handlers during tests.
type MirrorHandler interface {
	Handle(fiber.Ctx) error
}

// MirrorHandlerFunc adapts a function to the MirrorHandler interface.
type MirrorHandlerFunc func(fiber.Ctx) error

// Handle makes MirrorHandlerFunc satisfy MirrorHandler.
func (f MirrorHandlerFunc) Handle(c fiber.Ctx) error {
	return f(c)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger *logrus.Logger
	Mirror MirrorHandler
	Global config.GlobalConfig
	Pages  []config.PageConfig
	// Mount 在兜底 404 之前注册额外路由（诊断接口等）。
	Mount func(app *fiber.App)
}

const contextKeyRequestID = "_edgemirror_request_id"

// NewApp builds the application layer: auth challenge, asset mirror, static
// files, named pages and the 404/500 fallbacks, in that order.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Mirror == nil {
		return nil, errors.New("mirror handler is required")
	}
	if strings.TrimSpace(opts.Global.StaticDir) == "" {
		return nil, errors.New("static dir is required")
	}
	if opts.Global.Challenge && len(opts.Global.Users) == 0 {
		return nil, errors.New("challenge enabled without users")
	}

	assetPrefix := opts.Global.AssetPrefix
	if assetPrefix == "" {
		assetPrefix = "/e/"
	}
	notFoundPage := opts.Global.NotFoundPage
	if notFoundPage == "" {
		notFoundPage = "404.html"
	}
	notFoundFile := filepath.Join(opts.Global.StaticDir, notFoundPage)

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		ErrorHandler:  errorPageHandler(opts.Logger, notFoundFile),
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())
	if opts.Global.Challenge {
		app.Use(basicauth.New(basicauth.Config{
			Realm:      "Restricted",
			Authorizer: usersAuthorizer(opts.Global.Users),
		}))
	}

	app.Get(assetPrefix+"*", opts.Mirror.Handle)

	if opts.Mount != nil {
		opts.Mount(app)
	}

	app.Get("/*", static.New(opts.Global.StaticDir))

	for _, page := range opts.Pages {
		file := filepath.Join(opts.Global.StaticDir, page.File)
		app.Get(page.Path, func(c fiber.Ctx) error {
			return c.SendFile(file)
		})
	}

	app.Use(func(c fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).SendFile(notFoundFile)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，写入 Locals 与响应头。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// errorPageHandler 将未处理的错误渲染为错误页：fiber 404 保持 404，其余统一 500。
func errorPageHandler(logger *logrus.Logger, page string) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		status := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) && fe.Code == fiber.StatusNotFound {
			status = fiber.StatusNotFound
		}

		fields := logrus.Fields{
			"action": "app_error",
			"path":   c.Path(),
			"status": status,
		}
		if reqID := RequestID(c); reqID != "" {
			fields["request_id"] = reqID
		}
		if status == fiber.StatusInternalServerError {
			logger.WithFields(fields).Error(err.Error())
		} else {
			logger.WithFields(fields).Debug(err.Error())
		}

		if sendErr := c.Status(status).SendFile(page); sendErr != nil {
			return c.SendStatus(status)
		}
		return nil
	}
}

// usersAuthorizer 以常量时间比较用户名与明文密码。
// viper 会把 [Users] 的键转为小写，因此用户名一律按小写匹配。
func usersAuthorizer(users map[string]string) func(string, string, fiber.Ctx) bool {
	normalized := make(map[string]string, len(users))
	for name, pass := range users {
		normalized[strings.ToLower(name)] = pass
	}
	return func(user, pass string, _ fiber.Ctx) bool {
		expected, ok := normalized[strings.ToLower(user)]
		if !ok {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(expected), []byte(pass)) == 1
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
