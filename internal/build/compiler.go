// Package build implements the two-tier build-artifact cache: fingerprinting,
// the in-process and on-disk stores, the shared asset table, development-mode
// invalidation and the rebuild notifier.
package build

import (
	"context"

	"github.com/conneroisu/pagecache/internal/errors"
)

// MediaTypeHTML marks the compiled entry document among compiler outputs.
const MediaTypeHTML = "text/html"

// Plugin is an opaque build step handed to a Compiler. The cache only
// resolves and forwards plugins; their meaning belongs to the compiler.
type Plugin interface {
	Name() string
}

// PluginResolver turns a build configuration into the ordered plugin list
// a compile should run with.
type PluginResolver interface {
	Resolve(cfg Config) ([]Plugin, error)
}

// OutputFile is one file produced by a compile.
type OutputFile struct {
	Path      string // public web path, e.g. /_build/app-1a2b3c4d.js
	MediaType string
	Contents  []byte
}

// Result is the outcome of a compile. When Success is false Outputs must be
// ignored and Logs explain the failure.
type Result struct {
	Success bool
	Outputs []OutputFile
	Logs    []errors.BuildError
}

// Compiler transforms an entry file into an HTML document and side-assets.
// A non-nil error means the compiler itself could not run; it is reported
// to callers the same way as an unsuccessful Result.
type Compiler interface {
	Compile(ctx context.Context, entryPath string, plugins []Plugin) (*Result, error)
}

// CompilerFunc adapts a function to the Compiler interface.
type CompilerFunc func(ctx context.Context, entryPath string, plugins []Plugin) (*Result, error)

// Compile calls f.
func (f CompilerFunc) Compile(ctx context.Context, entryPath string, plugins []Plugin) (*Result, error) {
	return f(ctx, entryPath, plugins)
}
