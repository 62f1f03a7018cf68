package logging

import (
	"github.com/jpillora/sizestr"
	"github.com/sirupsen/logrus"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// MirrorFields 描述一次镜像请求：原始路径、回源地址与缓存状态。
func MirrorFields(path, upstream string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"action":    "mirror",
		"path":      path,
		"upstream":  upstream,
		"cache_hit": cacheHit,
	}
}

// TunnelFields 描述一次隧道会话结束时的流量统计。
func TunnelFields(path, backend string, sent, received int64) logrus.Fields {
	return logrus.Fields{
		"action":   "tunnel",
		"path":     path,
		"backend":  backend,
		"sent":     sizestr.ToString(sent),
		"received": sizestr.ToString(received),
	}
}

// SizeField 以人类可读形式输出字节数。
func SizeField(n int) string {
	return sizestr.ToString(int64(n))
}
