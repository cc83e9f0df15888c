package compiler

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/conneroisu/pagecache/internal/version"
)

// BannerPlugin marks the document with a comment naming the build.
type BannerPlugin struct {
	version string
}

// NewBannerPlugin creates the "banner" plugin.
func NewBannerPlugin() *BannerPlugin {
	return &BannerPlugin{version: version.GetVersion()}
}

// Name returns the plugin name.
func (bp *BannerPlugin) Name() string {
	return "banner"
}

// Apply inserts the banner after the doctype, so browsers stay out of
// quirks mode.
func (bp *BannerPlugin) Apply(_ context.Context, out *Output) error {
	banner := fmt.Sprintf("<!-- built by pagecache %s from %s -->", bp.version, filepath.Base(out.EntryPath))

	doc := out.HTML
	if strings.HasPrefix(strings.ToLower(doc), "<!doctype") {
		if end := strings.IndexByte(doc, '>'); end >= 0 {
			out.HTML = doc[:end+1] + banner + doc[end+1:]
			return nil
		}
	}
	out.HTML = banner + doc
	return nil
}
