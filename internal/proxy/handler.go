package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/edge-mirror/internal/cache"
	"github.com/any-hub/edge-mirror/internal/logging"
	"github.com/any-hub/edge-mirror/internal/server"
)

// HeaderCacheStatus 标记响应来自缓存（hit）还是刚刚回源（miss）。
const HeaderCacheStatus = "X-Edge-Mirror-Cache"

// failureBody 是内部错误时返回给客户端的固定正文。
const failureBody = "Asset fetch failed"

var (
	// ErrUpstreamStatus 表示上游返回了非 2xx 状态码。
	ErrUpstreamStatus = errors.New("upstream returned non-success status")
	// ErrUpstreamUnavailable 表示请求未能到达上游（连接、TLS、超时等）。
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// Resolver 将请求路径映射到上游地址，server.MirrorRegistry 是默认实现。
type Resolver interface {
	Resolve(requestPath string) (string, bool)
}

// Handler 负责 orchestrate “缓存命中 → 回源 → 写缓存” 的全流程，
// 对外暴露 Fiber handler，内部复用共享 http.Client 与内存缓存。
type Handler struct {
	client   *http.Client
	logger   *logrus.Logger
	store    cache.Store
	resolver Resolver
	types    contentTypeResolver

	maxRetries     int
	initialBackoff time.Duration

	flights singleflight.Group
}

// Option 调整 Handler 的可选行为。
type Option func(*Handler)

// WithBinaryExtensions 替换强制 application/octet-stream 的扩展名集合。
func WithBinaryExtensions(exts []string) Option {
	return func(h *Handler) {
		h.types = newContentTypeResolver(exts)
	}
}

// WithRetries 为连接级错误开启重试，非 2xx 响应永远不重试。
func WithRetries(max int, initial time.Duration) Option {
	return func(h *Handler) {
		if max > 0 {
			h.maxRetries = max
		}
		if initial > 0 {
			h.initialBackoff = initial
		}
	}
}

// NewHandler constructs a mirror handler with shared HTTP client/logger/store.
func NewHandler(client *http.Client, logger *logrus.Logger, store cache.Store, resolver Resolver, opts ...Option) *Handler {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = logging.Discard()
	}
	h := &Handler{
		client:         client,
		logger:         logger,
		store:          store,
		resolver:       resolver,
		types:          newContentTypeResolver(DefaultBinaryExtensions),
		initialBackoff: time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle 实现 server.MirrorHandler：不属于镜像的请求交给下一个路由。
func (h *Handler) Handle(c fiber.Ctx) error {
	outcome, err := h.Serve(c)
	if err != nil {
		return err
	}
	if outcome == OutcomeNotApplicable {
		return c.Next()
	}
	return nil
}

type fetchResult struct {
	upstream    string
	payload     []byte
	contentType string
}

// Serve 执行缓存查找与回源，任何内部错误或 panic 都转换为 500，不会留下半写入的缓存条目。
func (h *Handler) Serve(c fiber.Ctx) (outcome Outcome, err error) {
	started := time.Now()
	requestID := server.RequestID(c)
	key := requestPath(c)

	defer func() {
		if r := recover(); r != nil {
			outcome, err = h.respondFailure(c, key, "", requestID, started, fmt.Errorf("panic: %v", r))
		}
	}()

	if entry, ok := h.store.Lookup(key); ok {
		h.logResult(key, "", requestID, len(entry.Payload), true, started, nil)
		return OutcomeServed, writePayload(c, entry.ContentType, entry.Payload, "hit")
	}

	upstream, ok := h.resolver.Resolve(key)
	if !ok {
		return OutcomeNotApplicable, nil
	}

	ctx := context.WithoutCancel(c.Context())
	value, fetchErr, _ := h.flights.Do(key, func() (interface{}, error) {
		return h.fetchAndStore(ctx, key, upstream)
	})
	if fetchErr != nil {
		if errors.Is(fetchErr, ErrUpstreamStatus) || errors.Is(fetchErr, ErrUpstreamUnavailable) {
			h.logFallthrough(key, upstream, requestID, started, fetchErr)
			return OutcomeNotApplicable, nil
		}
		return h.respondFailure(c, key, upstream, requestID, started, fetchErr)
	}

	result := value.(*fetchResult)
	h.logResult(key, result.upstream, requestID, len(result.payload), false, started, nil)
	return OutcomeServed, writePayload(c, result.contentType, result.payload, "miss")
}

// fetchAndStore 回源并写缓存；只有完整读取正文后才会 Store。
func (h *Handler) fetchAndStore(ctx context.Context, key, upstream string) (*fetchResult, error) {
	resp, err := h.fetchUpstream(ctx, upstream)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: %d", ErrUpstreamStatus, resp.StatusCode)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	contentType := h.types.For(upstream)
	h.store.Store(key, payload, contentType)

	return &fetchResult{
		upstream:    upstream,
		payload:     payload,
		contentType: contentType,
	}, nil
}

// fetchUpstream 发起 GET，请求级错误按 backoff 重试 maxRetries 次。
func (h *Handler) fetchUpstream(ctx context.Context, upstream string) (*http.Response, error) {
	b := &backoff.Backoff{
		Min:    h.initialBackoff,
		Max:    h.initialBackoff * 16,
		Factor: 2,
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstream, nil)
		if err != nil {
			return nil, fmt.Errorf("build upstream request: %w", err)
		}

		resp, err := h.client.Do(req)
		if err == nil {
			return resp, nil
		}
		if attempt >= h.maxRetries {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}

		wait := b.Duration()
		h.logger.WithFields(logrus.Fields{
			"action":   "mirror_retry",
			"upstream": upstream,
			"attempt":  attempt + 1,
			"wait_ms":  wait.Milliseconds(),
		}).Warn(err.Error())

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, ctx.Err())
		case <-timer.C:
		}
	}
}

func writePayload(c fiber.Ctx, contentType string, payload []byte, cacheStatus string) error {
	c.Set(fiber.HeaderContentType, contentType)
	c.Set(HeaderCacheStatus, cacheStatus)
	return c.Status(fiber.StatusOK).Send(payload)
}

func (h *Handler) respondFailure(c fiber.Ctx, key, upstream, requestID string, started time.Time, err error) (Outcome, error) {
	h.logResult(key, upstream, requestID, 0, false, started, err)
	c.Response().Reset()
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return OutcomeServed, c.Status(fiber.StatusInternalServerError).SendString(failureBody)
}

func (h *Handler) logFallthrough(key, upstream, requestID string, started time.Time, err error) {
	fields := logging.MirrorFields(key, upstream, false)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	h.logger.WithFields(fields).Warn(err.Error())
}

func (h *Handler) logResult(
	key string,
	upstream string,
	requestID string,
	size int,
	cacheHit bool,
	started time.Time,
	err error,
) {
	fields := logging.MirrorFields(key, upstream, cacheHit)
	fields["size"] = logging.SizeField(size)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("mirror_failed")
		return
	}
	h.logger.WithFields(fields).Info("mirror_complete")
}

// requestPath 返回未解码的原始路径，作为缓存 key 与前缀匹配的输入。
func requestPath(c fiber.Ctx) string {
	uri := c.Request().URI()
	if raw := uri.PathOriginal(); len(raw) > 0 {
		return string(raw)
	}
	return string(uri.Path())
}
