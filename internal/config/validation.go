package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别")
	}
	if g.CacheTTL.DurationValue() <= 0 {
		return newFieldError("Global.CacheTTL", "必须大于 0")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if strings.TrimSpace(g.StaticDir) == "" {
		return newFieldError("Global.StaticDir", "不能为空")
	}
	if strings.ContainsAny(g.NotFoundPage, `/\`) {
		return newFieldError("Global.NotFoundPage", "只能是 StaticDir 下的文件名")
	}
	if g.Challenge && len(g.Users) == 0 {
		return newFieldError("Global.Users", "开启 Challenge 时至少需要一个用户")
	}
	for name, pass := range g.Users {
		if strings.TrimSpace(name) == "" || pass == "" {
			return newFieldError("Global.Users", "用户名与密码不能为空")
		}
	}
	if g.TunnelEnabled() {
		if err := validateUpstream(g.TunnelBackend); err != nil {
			return fmt.Errorf("Global.TunnelBackend: %w", err)
		}
		if strings.HasPrefix(g.TunnelPrefix, g.AssetPrefix) || strings.HasPrefix(g.AssetPrefix, g.TunnelPrefix) {
			return newFieldError("Global.TunnelPrefix", "不能与 AssetPrefix 重叠")
		}
	}

	if len(c.Mirrors) == 0 {
		return errors.New("至少需要配置一个 Mirror")
	}

	seenNames := map[string]struct{}{}
	seenPrefixes := map[string]struct{}{}
	for i := range c.Mirrors {
		m := &c.Mirrors[i]
		if m.Name == "" {
			return newFieldError("Mirror[].Name", "不能为空")
		}
		if _, exists := seenNames[m.Name]; exists {
			return newFieldError(mirrorField(m.Name, "Name"), "重复")
		}
		seenNames[m.Name] = struct{}{}

		if err := validatePrefix(m.Prefix, g.AssetPrefix); err != nil {
			return fmt.Errorf("%s: %w", mirrorField(m.Name, "Prefix"), err)
		}
		if _, exists := seenPrefixes[m.Prefix]; exists {
			return newFieldError(mirrorField(m.Name, "Prefix"), "重复")
		}
		seenPrefixes[m.Prefix] = struct{}{}

		if err := validateUpstream(m.Origin); err != nil {
			return fmt.Errorf("%s: %w", mirrorField(m.Name, "Origin"), err)
		}
	}

	seenPages := map[string]struct{}{}
	for _, p := range c.Pages {
		if !strings.HasPrefix(p.Path, "/") {
			return newFieldError(pageField(p.Path, "Path"), "必须以 / 开头")
		}
		if _, exists := seenPages[p.Path]; exists {
			return newFieldError(pageField(p.Path, "Path"), "重复")
		}
		seenPages[p.Path] = struct{}{}
		if strings.TrimSpace(p.File) == "" || strings.Contains(p.File, "..") {
			return newFieldError(pageField(p.Path, "File"), "无效文件名")
		}
	}

	return nil
}

func validatePrefix(prefix, assetPrefix string) error {
	if prefix == "" {
		return errors.New("Prefix 不能为空")
	}
	if !strings.HasPrefix(prefix, assetPrefix) {
		return fmt.Errorf("Prefix 必须位于 %s 之下", assetPrefix)
	}
	if !strings.HasSuffix(prefix, "/") {
		return errors.New("Prefix 必须以 / 结尾")
	}
	if strings.Contains(prefix, " ") {
		return errors.New("Prefix 不允许包含空格")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
