package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/edge-mirror/internal/logging"
)

const defaultDialTimeout = 10 * time.Second

// Relay 认领 Prefix 下的请求并转发到外部隧道后端：普通请求走反向代理，
// 升级请求在 hijack 后原样重放给后端再双向拷贝。
type Relay struct {
	prefix  string
	backend *url.URL
	proxy   *httputil.ReverseProxy
	logger  *logrus.Logger

	dialTimeout time.Duration
}

// NewRelay 创建隧道转发器。backend 必须是 http/https 地址。
func NewRelay(prefix, backend string, logger *logrus.Logger) (*Relay, error) {
	if strings.TrimSpace(prefix) == "" {
		return nil, errors.New("tunnel prefix is required")
	}
	target, err := url.Parse(backend)
	if err != nil {
		return nil, fmt.Errorf("invalid tunnel backend: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("unsupported tunnel backend scheme: %s", target.Scheme)
	}
	if target.Host == "" {
		return nil, fmt.Errorf("tunnel backend missing host: %s", backend)
	}
	if logger == nil {
		logger = logging.Discard()
	}

	r := &Relay{
		prefix:      prefix,
		backend:     target,
		logger:      logger,
		dialTimeout: defaultDialTimeout,
	}
	r.proxy = httputil.NewSingleHostReverseProxy(target)
	r.proxy.ErrorHandler = r.proxyError
	return r, nil
}

// Prefix 返回认领的路径前缀。
func (r *Relay) Prefix() string {
	return r.prefix
}

func (r *Relay) ShouldRoute(req *http.Request) bool {
	return strings.HasPrefix(req.URL.Path, r.prefix)
}

func (r *Relay) RouteRequest(w http.ResponseWriter, req *http.Request) {
	r.proxy.ServeHTTP(w, req)
}

func (r *Relay) RouteUpgrade(req *http.Request, conn net.Conn, head []byte) {
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), r.dialTimeout)
	backendConn, err := r.dialBackend(ctx)
	cancel()
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"action":  "tunnel",
			"path":    req.URL.Path,
			"backend": r.backend.Host,
		}).Warn(err.Error())
		_, _ = conn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\nConnection: close\r\nContent-Length: 0\r\n\r\n"))
		return
	}

	if err := r.replay(req, backendConn, head); err != nil {
		backendConn.Close()
		r.logger.WithFields(logrus.Fields{
			"action":  "tunnel",
			"path":    req.URL.Path,
			"backend": r.backend.Host,
		}).Warn(err.Error())
		return
	}

	started := time.Now()
	sent, received := pipe(conn, backendConn)
	fields := logging.TunnelFields(req.URL.Path, r.backend.Host, sent, received)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	r.logger.WithFields(fields).Debug("tunnel_closed")
}

// replay 将升级请求的请求行与头部写给后端，随后补发已缓冲的 head 字节。
func (r *Relay) replay(req *http.Request, backendConn net.Conn, head []byte) error {
	out := req.Clone(context.Background())
	out.RequestURI = ""
	out.URL.Scheme = r.backend.Scheme
	out.URL.Host = r.backend.Host
	if ip, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		if prior := out.Header.Get("X-Forwarded-For"); prior != "" {
			out.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			out.Header.Set("X-Forwarded-For", ip)
		}
	}

	if err := out.Write(backendConn); err != nil {
		return fmt.Errorf("replay upgrade request: %w", err)
	}
	if len(head) > 0 {
		if _, err := backendConn.Write(head); err != nil {
			return fmt.Errorf("replay buffered bytes: %w", err)
		}
	}
	return nil
}

func (r *Relay) dialBackend(ctx context.Context) (net.Conn, error) {
	addr := r.backend.Host
	if r.backend.Port() == "" {
		if r.backend.Scheme == "https" {
			addr = net.JoinHostPort(r.backend.Hostname(), "443")
		} else {
			addr = net.JoinHostPort(r.backend.Hostname(), "80")
		}
	}

	if r.backend.Scheme == "https" {
		dialer := &tls.Dialer{Config: &tls.Config{ServerName: r.backend.Hostname()}}
		return dialer.DialContext(ctx, "tcp", addr)
	}
	var dialer net.Dialer
	return dialer.DialContext(ctx, "tcp", addr)
}

func (r *Relay) proxyError(w http.ResponseWriter, req *http.Request, err error) {
	r.logger.WithFields(logrus.Fields{
		"action":  "tunnel",
		"path":    req.URL.Path,
		"backend": r.backend.Host,
	}).Warn(err.Error())
	w.WriteHeader(http.StatusBadGateway)
}
