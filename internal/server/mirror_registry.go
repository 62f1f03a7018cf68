package server

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/any-hub/edge-mirror/internal/config"
)

// MirrorRoute 将镜像配置与解析后的上游地址聚合在一起，启动后不再变化。
type MirrorRoute struct {
	Name   string
	Prefix string
	// Origin 保留配置原文，Resolve 直接做字符串拼接。
	Origin    string
	OriginURL *url.URL
}

// MirrorRegistry 按声明顺序保存前缀映射，第一个匹配的前缀生效。
type MirrorRegistry struct {
	ordered []*MirrorRoute
}

// NewMirrorRegistry 根据配置构建前缀映射。调用方应在启动阶段创建一次并复用。
func NewMirrorRegistry(cfg *config.Config) (*MirrorRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &MirrorRegistry{}
	seen := make(map[string]struct{}, len(cfg.Mirrors))
	for _, mirror := range cfg.Mirrors {
		if mirror.Prefix == "" {
			return nil, fmt.Errorf("mirror %s has empty prefix", mirror.Name)
		}
		if _, exists := seen[mirror.Prefix]; exists {
			return nil, fmt.Errorf("duplicate prefix mapping detected for %s", mirror.Prefix)
		}
		seen[mirror.Prefix] = struct{}{}

		originURL, err := url.Parse(mirror.Origin)
		if err != nil {
			return nil, fmt.Errorf("invalid origin for mirror %s: %w", mirror.Name, err)
		}

		registry.ordered = append(registry.ordered, &MirrorRoute{
			Name:      mirror.Name,
			Prefix:    mirror.Prefix,
			Origin:    mirror.Origin,
			OriginURL: originURL,
		})
	}

	return registry, nil
}

// Match 返回第一个前缀匹配 requestPath 的镜像。
func (r *MirrorRegistry) Match(requestPath string) (*MirrorRoute, bool) {
	if r == nil {
		return nil, false
	}
	for _, route := range r.ordered {
		if strings.HasPrefix(requestPath, route.Prefix) {
			return route, true
		}
	}
	return nil, false
}

// Resolve 将请求路径改写为上游地址：origin + 去掉前缀后的剩余部分。
// 没有任何前缀匹配时返回 false，调用方不应发起回源。
func (r *MirrorRegistry) Resolve(requestPath string) (string, bool) {
	route, ok := r.Match(requestPath)
	if !ok {
		return "", false
	}
	return route.Origin + requestPath[len(route.Prefix):], true
}

// List 返回当前注册的镜像（按配置定义的顺序），用于诊断输出。
func (r *MirrorRegistry) List() []MirrorRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]MirrorRoute, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}
