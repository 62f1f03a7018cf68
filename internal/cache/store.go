package cache

import "time"

// Store 负责镜像资源的缓存读写。实现必须支持并发调用，同一 key 的竞争写入以最后一次为准。
type Store interface {
	// Lookup 返回仍在 TTL 内的条目；条目已过期时将其移除并视为不存在。
	Lookup(key string) (Entry, bool)

	// Store 以当前时间写入或覆盖 key 对应的条目。
	Store(key string, payload []byte, contentType string)
}

// Entry 表示一次缓存的上游响应。条目写入后不可变，替换即写入新条目。
type Entry struct {
	Path        string
	Payload     []byte
	ContentType string
	CreatedAt   time.Time
}

// Age 返回条目相对 now 的存活时长。
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// SizeBytes 返回正文长度。
func (e Entry) SizeBytes() int {
	return len(e.Payload)
}
