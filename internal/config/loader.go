package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DefaultCacheTTL 是镜像缓存条目的默认存活时间（30 天）。
const DefaultCacheTTL = 30 * 24 * time.Hour

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectMirrorLevelTTL(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := applyEnvOverrides(&cfg.Global); err != nil {
		return nil, err
	}
	applyGlobalDefaults(&cfg.Global)
	if len(cfg.Mirrors) == 0 {
		cfg.Mirrors = DefaultMirrors()
	}
	for i := range cfg.Mirrors {
		applyMirrorDefaults(&cfg.Mirrors[i], i)
	}
	if len(cfg.Pages) == 0 {
		cfg.Pages = DefaultPages()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStatic, err := filepath.Abs(cfg.Global.StaticDir)
	if err != nil {
		return nil, fmt.Errorf("无法解析静态目录: %w", err)
	}
	cfg.Global.StaticDir = absStatic

	return &cfg, nil
}

// DefaultMirrors 返回内置的三个资源镜像，未声明 [[Mirror]] 时使用。
func DefaultMirrors() []MirrorConfig {
	return []MirrorConfig{
		{Name: "1", Prefix: "/e/1/", Origin: "https://raw.githubusercontent.com/qrs/x/fixy/"},
		{Name: "2", Prefix: "/e/2/", Origin: "https://raw.githubusercontent.com/3v1/V5-Assets/main/"},
		{Name: "3", Prefix: "/e/3/", Origin: "https://raw.githubusercontent.com/3v1/V5-Retro/master/"},
	}
}

// DefaultPages 返回内置的固定页面路由。
func DefaultPages() []PageConfig {
	return []PageConfig{
		{Path: "/", File: "index.html"},
		{Path: "/yz", File: "apps.html"},
		{Path: "/up", File: "games.html"},
		{Path: "/vk", File: "settings.html"},
		{Path: "/rx", File: "tabs.html"},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenHost", "0.0.0.0")
	v.SetDefault("ListenPort", 8080)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("CacheTTL", "720h")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("MaxRetries", 0)
	v.SetDefault("InitialBackoff", "1s")
	v.SetDefault("StaticDir", "./static")
	v.SetDefault("NotFoundPage", "404.html")
	v.SetDefault("AssetPrefix", "/e/")
	v.SetDefault("BinaryExtensions", []string{".unityweb"})
	v.SetDefault("Challenge", false)
	v.SetDefault("TunnelPrefix", "/fq/")
	v.SetDefault("TunnelBackend", "")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if strings.TrimSpace(g.ListenHost) == "" {
		g.ListenHost = "0.0.0.0"
	}
	if g.ListenPort == 0 {
		g.ListenPort = 8080
	}
	if g.CacheTTL.DurationValue() == 0 {
		g.CacheTTL = Duration(DefaultCacheTTL)
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(time.Second)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.NotFoundPage == "" {
		g.NotFoundPage = "404.html"
	}
	g.AssetPrefix = ensureSlashes(g.AssetPrefix, "/e/")
	g.TunnelPrefix = ensureSlashes(g.TunnelPrefix, "/fq/")
	g.BinaryExtensions = normalizeExtensions(g.BinaryExtensions)
}

func applyMirrorDefaults(m *MirrorConfig, idx int) {
	m.Name = strings.TrimSpace(m.Name)
	if m.Name == "" {
		m.Name = strconv.Itoa(idx + 1)
	}
	m.Prefix = strings.TrimSpace(m.Prefix)
	m.Origin = strings.TrimSpace(m.Origin)
}

// applyEnvOverrides 兼容平台注入的 PORT 环境变量，优先级高于配置文件。
func applyEnvOverrides(g *GlobalConfig) error {
	raw := strings.TrimSpace(os.Getenv("PORT"))
	if raw == "" {
		return nil
	}
	port, err := strconv.Atoi(raw)
	if err != nil {
		return newFieldError("env.PORT", "必须为整数")
	}
	g.ListenPort = port
	return nil
}

func ensureSlashes(prefix, fallback string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return fallback
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

func normalizeExtensions(exts []string) []string {
	result := make([]string, 0, len(exts))
	seen := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if _, ok := seen[ext]; ok {
			continue
		}
		seen[ext] = struct{}{}
		result = append(result, ext)
	}
	return result
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// rejectMirrorLevelTTL 拒绝镜像级 TTL 配置，缓存 TTL 只在全局生效。
func rejectMirrorLevelTTL(v *viper.Viper) error {
	raw := v.Get("Mirror")
	mirrors, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	for idx, entry := range mirrors {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		for key := range m {
			if !strings.EqualFold(key, "CacheTTL") {
				continue
			}
			name := fmt.Sprintf("#%d", idx)
			if rawName, ok := lookupFold(m, "Name").(string); ok && rawName != "" {
				name = rawName
			}
			return newFieldError(mirrorField(name, "CacheTTL"), "不支持镜像级 TTL，请使用全局 CacheTTL")
		}
	}

	return nil
}

func lookupFold(m map[string]interface{}, key string) interface{} {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return nil
}
