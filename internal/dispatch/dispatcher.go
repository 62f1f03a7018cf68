package dispatch

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/edge-mirror/internal/logging"
	"github.com/any-hub/edge-mirror/internal/tunnel"
)

// ErrHijackUnsupported 表示 ResponseWriter 无法接管底层连接（例如 HTTP/2）。
var ErrHijackUnsupported = errors.New("connection hijacking not supported")

// Dispatcher 在任何中间件之前决定请求归属：隧道协作者或应用层，二者只取其一。
type Dispatcher struct {
	tunnel tunnel.Collaborator
	app    http.Handler
	logger *logrus.Logger
}

// New 创建调度器。collaborator 为空时使用 tunnel.Disabled。
func New(collaborator tunnel.Collaborator, app http.Handler, logger *logrus.Logger) *Dispatcher {
	if collaborator == nil {
		collaborator = tunnel.Disabled{}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{
		tunnel: collaborator,
		app:    app,
		logger: logger,
	}
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claimed := d.tunnel.ShouldRoute(r)

	if IsUpgrade(r) {
		d.serveUpgrade(w, r, claimed)
		return
	}
	if claimed {
		d.tunnel.RouteRequest(w, r)
		return
	}
	d.app.ServeHTTP(w, r)
}

func (d *Dispatcher) serveUpgrade(w http.ResponseWriter, r *http.Request, claimed bool) {
	conn, brw, err := hijack(w)
	if err != nil {
		d.logger.WithFields(logrus.Fields{
			"action": "dispatch_upgrade",
			"path":   r.URL.Path,
		}).Warn(err.Error())
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !claimed {
		d.logger.WithFields(logrus.Fields{
			"action":  "dispatch_upgrade",
			"path":    r.URL.Path,
			"upgrade": r.Header.Get("Upgrade"),
		}).Debug("upgrade_rejected")
		_ = conn.Close()
		return
	}

	// 升级后的连接由协作者自行管理读写超时。
	_ = conn.SetDeadline(time.Time{})
	d.tunnel.RouteUpgrade(r, conn, bufferedHead(brw))
}

func hijack(w http.ResponseWriter) (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return nil, nil, ErrHijackUnsupported
	}
	conn, brw, err := hj.Hijack()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHijackUnsupported, err)
	}
	return conn, brw, nil
}

// bufferedHead 取出服务端已从连接读入但尚未被请求解析消费的字节。
func bufferedHead(brw *bufio.ReadWriter) []byte {
	if brw == nil || brw.Reader == nil {
		return nil
	}
	n := brw.Reader.Buffered()
	if n == 0 {
		return nil
	}
	head, err := brw.Reader.Peek(n)
	if err != nil {
		return nil
	}
	return append([]byte(nil), head...)
}

// IsUpgrade 判断请求是否为协议升级：Connection 含 upgrade 且带 Upgrade 头。
func IsUpgrade(r *http.Request) bool {
	if r.Header.Get("Upgrade") == "" {
		return false
	}
	for _, value := range r.Header.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}
