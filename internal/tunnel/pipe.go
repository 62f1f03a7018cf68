package tunnel

import (
	"io"
	"net"
	"sync"
)

type writeHalfCloser interface {
	CloseWrite() error
}

// pipe 双向拷贝直到两个方向都结束，然后关闭两端。
// sent 为 client→backend 的字节数，received 为 backend→client 的字节数。
func pipe(client, backend net.Conn) (sent, received int64) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sent, _ = io.Copy(backend, client)
		closeWrite(backend)
	}()
	go func() {
		defer wg.Done()
		received, _ = io.Copy(client, backend)
		closeWrite(client)
	}()
	wg.Wait()
	_ = client.Close()
	_ = backend.Close()
	return sent, received
}

func closeWrite(conn net.Conn) {
	if hc, ok := conn.(writeHalfCloser); ok {
		_ = hc.CloseWrite()
		return
	}
	_ = conn.Close()
}
