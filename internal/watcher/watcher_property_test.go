//go:build property

package watcher

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestFilterProperties validates that noise filters depend only on path segments
func TestFilterProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(9876)
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)
	filter := IgnoreDirsFilter(NoiseDirs...)

	properties.Property("paths under a noise directory are rejected", prop.ForAll(
		func(prefix, suffix []string, noise string) bool {
			parts := append(append(append([]string{}, prefix...), noise), suffix...)
			return !filter(filepath.Join(parts...))
		},
		gen.SliceOf(gen.Identifier()),
		gen.SliceOf(gen.Identifier()),
		gen.OneConstOf(".git", ".hg", ".jj", "node_modules", "vendor"),
	))

	properties.Property("paths without noise segments are accepted", prop.ForAll(
		func(parts []string) bool {
			for _, p := range parts {
				for _, n := range NoiseDirs {
					if p == n {
						return true
					}
				}
			}
			return filter(filepath.Join(parts...))
		},
		gen.SliceOf(gen.Identifier()),
	))

	properties.Property("relative filter ignores the root's own segments", prop.ForAll(
		func(parts []string) bool {
			root := filepath.Join("/srv", "node_modules", "site")
			rel := filepath.Join(parts...)
			if strings.Contains(rel, "vendor") || strings.Contains(rel, "node_modules") {
				return true
			}
			return RelativeTo(root, filter)(filepath.Join(root, rel))
		},
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}
