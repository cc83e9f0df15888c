package build

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Config is the build configuration that, together with the entry path,
// identifies a cache slot. It is treated as immutable per call.
type Config struct {
	// CSSFramework enables the CSS-framework plugin.
	CSSFramework bool `mapstructure:"css_framework" yaml:"css_framework"`
	// ExtraPlugins are additional named plugins, applied in order.
	ExtraPlugins []string `mapstructure:"extra_plugins" yaml:"extra_plugins"`
	// Dev is filled in by the Cache from the process mode. Development builds
	// carry the reload client, so they must never share a slot with
	// production builds.
	Dev bool `mapstructure:"-" yaml:"-"`
}

func (c Config) clone() Config {
	out := c
	if c.ExtraPlugins != nil {
		out.ExtraPlugins = append([]string(nil), c.ExtraPlugins...)
	}
	return out
}

// DeriveKey maps an entry path and configuration to a stable cache key.
// Fields are NUL separated and plugin names are length prefixed, so no two
// distinct inputs can produce the same key.
func DeriveKey(entryPath string, cfg Config) string {
	var b strings.Builder
	b.WriteString(filepath.ToSlash(filepath.Clean(entryPath)))
	b.WriteString("\x00css=")
	b.WriteString(boolDigit(cfg.CSSFramework))
	b.WriteString("\x00dev=")
	b.WriteString(boolDigit(cfg.Dev))
	b.WriteString("\x00plugins=")
	b.WriteString(strconv.Itoa(len(cfg.ExtraPlugins)))
	for _, p := range cfg.ExtraPlugins {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(len(p)))
		b.WriteByte('.')
		b.WriteString(p)
	}
	return b.String()
}

// KeyHash reduces a cache key to a filesystem-safe token: the xxhash64 of
// the key as 16 lowercase hex digits.
func KeyHash(key string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(key))
}

func boolDigit(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
