package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"720h" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为：监听、日志、缓存与回源参数。
type GlobalConfig struct {
	ListenHost       string            `mapstructure:"ListenHost"`
	ListenPort       int               `mapstructure:"ListenPort"`
	LogLevel         string            `mapstructure:"LogLevel"`
	LogFilePath      string            `mapstructure:"LogFilePath"`
	LogMaxSize       int               `mapstructure:"LogMaxSize"`
	LogMaxBackups    int               `mapstructure:"LogMaxBackups"`
	LogCompress      bool              `mapstructure:"LogCompress"`
	CacheTTL         Duration          `mapstructure:"CacheTTL"`
	UpstreamTimeout  Duration          `mapstructure:"UpstreamTimeout"`
	MaxRetries       int               `mapstructure:"MaxRetries"`
	InitialBackoff   Duration          `mapstructure:"InitialBackoff"`
	StaticDir        string            `mapstructure:"StaticDir"`
	NotFoundPage     string            `mapstructure:"NotFoundPage"`
	AssetPrefix      string            `mapstructure:"AssetPrefix"`
	BinaryExtensions []string          `mapstructure:"BinaryExtensions"`
	Challenge        bool              `mapstructure:"Challenge"`
	Users            map[string]string `mapstructure:"Users"`
	TunnelPrefix     string            `mapstructure:"TunnelPrefix"`
	TunnelBackend    string            `mapstructure:"TunnelBackend"`
}

// MirrorConfig 描述一个远端资源镜像：请求前缀与上游根地址。
type MirrorConfig struct {
	Name   string `mapstructure:"Name"`
	Prefix string `mapstructure:"Prefix"`
	Origin string `mapstructure:"Origin"`
}

// PageConfig 将固定路由映射到 StaticDir 下的页面文件。
type PageConfig struct {
	Path string `mapstructure:"Path"`
	File string `mapstructure:"File"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig   `mapstructure:",squash"`
	Mirrors []MirrorConfig `mapstructure:"Mirror"`
	Pages   []PageConfig   `mapstructure:"Page"`
}

// ListenAddr 返回 host:port 形式的监听地址。
func (g GlobalConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", g.ListenHost, g.ListenPort)
}

// TunnelEnabled 表示是否配置了隧道后端。
func (g GlobalConfig) TunnelEnabled() bool {
	return strings.TrimSpace(g.TunnelBackend) != ""
}

// UserNames 返回排序后的用户名列表，启动日志只输出用户名。
func (g GlobalConfig) UserNames() []string {
	if len(g.Users) == 0 {
		return nil
	}
	names := make([]string, 0, len(g.Users))
	for name := range g.Users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MirrorNames 返回所有镜像的名称摘要，例如 1:/e/1/。
func MirrorNames(mirrors []MirrorConfig) []string {
	if len(mirrors) == 0 {
		return nil
	}
	result := make([]string, len(mirrors))
	for i, m := range mirrors {
		result[i] = fmt.Sprintf("%s:%s", m.Name, m.Prefix)
	}
	return result
}
