package tunnel

import (
	"net"
	"net/http"
)

// Collaborator 决定请求是否属于隧道子系统，并在认领后接管请求或升级连接。
type Collaborator interface {
	// ShouldRoute 只做判断，不得产生副作用。
	ShouldRoute(r *http.Request) bool
	// RouteRequest 处理已认领的普通请求。
	RouteRequest(w http.ResponseWriter, r *http.Request)
	// RouteUpgrade 接管已认领的升级请求；conn 已被 hijack，head 是服务端已缓冲但未消费的字节。
	// 实现负责关闭 conn。
	RouteUpgrade(r *http.Request, conn net.Conn, head []byte)
}

// Disabled 不认领任何请求，升级请求因此会被直接断开。
type Disabled struct{}

func (Disabled) ShouldRoute(*http.Request) bool { return false }

func (Disabled) RouteRequest(w http.ResponseWriter, r *http.Request) {
	http.NotFound(w, r)
}

func (Disabled) RouteUpgrade(_ *http.Request, conn net.Conn, _ []byte) {
	_ = conn.Close()
}
