package dispatch

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/jpillora/requestlog"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/edge-mirror/internal/logging"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// WithAccessLog 在 debug 级别下为应用层包一层访问日志；隧道与升级路径不经过它。
func WithAccessLog(app http.Handler, logger *logrus.Logger) http.Handler {
	if !logging.DebugEnabled(logger) {
		return app
	}
	return requestlog.Wrap(app)
}

// Server 封装 http.Server 的启动与优雅关闭。
type Server struct {
	srv    *http.Server
	logger *logrus.Logger
}

// NewServer 以调度器作为唯一 Handler 创建服务。
func NewServer(handler http.Handler, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{
		srv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		logger: logger,
	}
}

// ListenAndServe 监听 addr 并阻塞到 ctx 结束或服务异常退出。
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve 在 ln 上提供服务；ctx 结束后最多等待 10 秒完成在途请求。
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	s.logger.WithFields(logrus.Fields{
		"action": "listen",
		"addr":   ln.Addr().String(),
	}).Info("server_started")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := s.srv.Shutdown(shutdownCtx)
	s.logger.WithFields(logrus.Fields{"action": "shutdown"}).Info("server_stopped")
	return err
}
