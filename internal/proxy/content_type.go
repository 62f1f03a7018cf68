package proxy

import (
	"mime"
	"net/url"
	"path"
	"strings"
)

const octetStream = "application/octet-stream"

// DefaultBinaryExtensions 列出强制按二进制下发的扩展名（Unity WebGL 构建产物）。
var DefaultBinaryExtensions = []string{".unityweb"}

type contentTypeResolver struct {
	binary map[string]struct{}
}

func newContentTypeResolver(exts []string) contentTypeResolver {
	binary := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		binary[ext] = struct{}{}
	}
	return contentTypeResolver{binary: binary}
}

// For 根据回源 URL 的扩展名推断 Content-Type。
func (r contentTypeResolver) For(upstream string) string {
	p := upstream
	if parsed, err := url.Parse(upstream); err == nil {
		p = parsed.Path
	}
	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		return octetStream
	}
	if _, ok := r.binary[ext]; ok {
		return octetStream
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return octetStream
}
