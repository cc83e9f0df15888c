package build

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveKeyIsDeterministic(t *testing.T) {
	cfg := Config{CSSFramework: true, ExtraPlugins: []string{"banner", "minify"}}
	assert.Equal(t, DeriveKey("web/index.html", cfg), DeriveKey("web/index.html", cfg))
	assert.Equal(t, DeriveKey("web/index.html", cfg), DeriveKey("web/./sub/../index.html", cfg))
}

func TestDeriveKeyDistinguishesInputs(t *testing.T) {
	tests := []struct {
		name string
		a, b Config
		ea   string
		eb   string
	}{
		{"entry", Config{}, Config{}, "a.html", "b.html"},
		{"css framework", Config{}, Config{CSSFramework: true}, "a.html", "a.html"},
		{"dev", Config{}, Config{Dev: true}, "a.html", "a.html"},
		{"plugin count", Config{}, Config{ExtraPlugins: []string{"banner"}}, "a.html", "a.html"},
		{"plugin order", Config{ExtraPlugins: []string{"a", "b"}}, Config{ExtraPlugins: []string{"b", "a"}}, "a.html", "a.html"},
		{"plugin boundaries", Config{ExtraPlugins: []string{"ab", "c"}}, Config{ExtraPlugins: []string{"a", "bc"}}, "a.html", "a.html"},
		{"separator in name", Config{ExtraPlugins: []string{"a:1.b"}}, Config{ExtraPlugins: []string{"a", "b"}}, "a.html", "a.html"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, DeriveKey(tt.ea, tt.a), DeriveKey(tt.eb, tt.b))
		})
	}
}

func TestDeriveKeyNilAndEmptyPluginsMatch(t *testing.T) {
	assert.Equal(t, DeriveKey("a.html", Config{}), DeriveKey("a.html", Config{ExtraPlugins: []string{}}))
}

func TestKeyHash(t *testing.T) {
	key := DeriveKey("a.html", Config{})
	hash := KeyHash(key)

	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{16}$`), hash)
	assert.Equal(t, hash, KeyHash(key))
	assert.NotEqual(t, hash, KeyHash(DeriveKey("a.html", Config{Dev: true})))
}

func TestConfigClone(t *testing.T) {
	cfg := Config{ExtraPlugins: []string{"banner"}}
	c := cfg.clone()
	c.ExtraPlugins[0] = "changed"

	assert.Equal(t, "banner", cfg.ExtraPlugins[0])
	assert.Equal(t, []string{"banner"}, cfg.ExtraPlugins)
}
