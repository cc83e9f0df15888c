// Package compiler provides HTMLCompiler, the build.Compiler used by the
// server. It resolves the local scripts, stylesheets and images an entry
// HTML file references into content-hashed side-assets, rewrites the
// references and then runs the configured plugins over the result.
package compiler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"github.com/conneroisu/pagecache/internal/build"
	"github.com/conneroisu/pagecache/internal/errors"
	"github.com/conneroisu/pagecache/internal/logging"
	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/net/html/charset"
)

// DefaultAssetPrefix is the web path side-assets are published under.
const DefaultAssetPrefix = "/_build/"

const hashLength = 8

// Transform is a plugin that can rewrite a compile Output.
type Transform interface {
	build.Plugin
	Apply(ctx context.Context, out *Output) error
}

// HTMLCompiler compiles one HTML entry file.
type HTMLCompiler struct {
	assetPrefix string
	logger      logging.Logger
}

var _ build.Compiler = (*HTMLCompiler)(nil)

// Option configures an HTMLCompiler.
type Option func(*HTMLCompiler)

// WithAssetPrefix changes the web path prefix of emitted assets.
func WithAssetPrefix(prefix string) Option {
	return func(hc *HTMLCompiler) {
		hc.assetPrefix = "/" + strings.Trim(prefix, "/") + "/"
	}
}

// New creates an HTMLCompiler.
func New(logger logging.Logger, opts ...Option) *HTMLCompiler {
	if logger == nil {
		logger = logging.NewNop()
	}
	hc := &HTMLCompiler{
		assetPrefix: DefaultAssetPrefix,
		logger:      logger.WithComponent("compiler"),
	}
	for _, opt := range opts {
		opt(hc)
	}
	return hc
}

// Compile reads entryPath, publishes its local references as side-assets and
// applies plugins in order. Problems with the source are reported in the
// Result logs with Success false; the error return is reserved for a
// cancelled context.
func (hc *HTMLCompiler) Compile(ctx context.Context, entryPath string, plugins []build.Plugin) (*build.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	//nolint:gosec // entry paths come from the server configuration
	src, err := os.ReadFile(entryPath)
	if err != nil {
		return failure(errors.BuildError{
			File:     entryPath,
			Message:  fmt.Sprintf("cannot read entry: %v", err),
			Severity: errors.ErrorSeverityError,
		}), nil
	}

	src, err = toUTF8(src)
	if err != nil {
		return failure(errors.BuildError{
			File:     entryPath,
			Message:  fmt.Sprintf("cannot decode entry: %v", err),
			Severity: errors.ErrorSeverityError,
		}), nil
	}

	doc, err := html.Parse(bytes.NewReader(src))
	if err != nil {
		return failure(errors.BuildError{
			File:     entryPath,
			Message:  fmt.Sprintf("cannot parse entry: %v", err),
			Severity: errors.ErrorSeverityError,
		}), nil
	}

	out := &Output{
		EntryPath:   entryPath,
		Dir:         filepath.Dir(entryPath),
		assetPrefix: hc.assetPrefix,
	}
	resolved := make(map[string]string)
	var logs []errors.BuildError

	walk(doc, func(n *html.Node) {
		attr := referenceAttr(n)
		if attr == "" {
			return
		}
		for i := range n.Attr {
			a := &n.Attr[i]
			if a.Namespace != "" || a.Key != attr || !isLocal(a.Val) {
				continue
			}
			webPath, buildErr := hc.publish(out, src, a.Val, resolved)
			if buildErr != nil {
				logs = append(logs, *buildErr)
				continue
			}
			a.Val = webPath + suffixOf(a.Val)
		}
	})
	if len(logs) > 0 {
		return &build.Result{Success: false, Logs: logs}, nil
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return failure(errors.BuildError{
			File:     entryPath,
			Message:  fmt.Sprintf("cannot render entry: %v", err),
			Severity: errors.ErrorSeverityError,
		}), nil
	}
	out.HTML = buf.String()

	for _, p := range plugins {
		t, ok := p.(Transform)
		if !ok {
			logs = append(logs, errors.BuildError{
				File:     entryPath,
				Message:  fmt.Sprintf("plugin %q cannot transform output", p.Name()),
				Severity: errors.ErrorSeverityError,
			})
			break
		}
		if err := t.Apply(ctx, out); err != nil {
			logs = append(logs, errors.BuildError{
				File:     entryPath,
				Message:  fmt.Sprintf("plugin %s: %v", t.Name(), err),
				Severity: errors.ErrorSeverityError,
			})
			break
		}
		hc.logger.Debug(ctx, "Applied plugin", "plugin", t.Name(), "entry", entryPath)
	}
	if len(logs) > 0 {
		return &build.Result{Success: false, Logs: logs}, nil
	}

	outputs := make([]build.OutputFile, 0, len(out.Assets)+1)
	outputs = append(outputs, build.OutputFile{
		Path:      "/" + filepath.Base(entryPath),
		MediaType: "text/html; charset=utf-8",
		Contents:  []byte(out.HTML),
	})
	outputs = append(outputs, out.Assets...)

	return &build.Result{Success: true, Outputs: outputs, Logs: out.Logs}, nil
}

// toUTF8 returns src as UTF-8. Anything that is not already UTF-8 is decoded
// by its byte order mark or <meta> charset, falling back to windows-1252.
func toUTF8(src []byte) ([]byte, error) {
	if utf8.Valid(src) {
		return src, nil
	}
	r, err := charset.NewReader(bytes.NewReader(src), "text/html")
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// publish reads the file behind ref and adds it to out once per compile.
func (hc *HTMLCompiler) publish(out *Output, src []byte, ref string, resolved map[string]string) (string, *errors.BuildError) {
	line, col := position(src, ref)
	fail := func(format string, args ...any) *errors.BuildError {
		return &errors.BuildError{
			File:     out.EntryPath,
			Line:     line,
			Column:   col,
			Message:  fmt.Sprintf(format, args...),
			Severity: errors.ErrorSeverityError,
		}
	}

	target, ok := resolveLocal(out.Dir, stripSuffix(ref))
	if !ok {
		return "", fail("reference %q escapes the entry directory", ref)
	}
	if webPath, ok := resolved[target]; ok {
		return webPath, nil
	}

	//nolint:gosec // target is confined to the entry directory
	content, err := os.ReadFile(target)
	if err != nil {
		return "", fail("cannot read %q: %v", ref, err)
	}

	webPath := out.AddAsset(target, detectMediaType(target, content), content)
	resolved[target] = webPath
	return webPath, nil
}

// Output is the compile result plugins operate on.
type Output struct {
	EntryPath string
	// Dir is the entry's directory; references resolve against it.
	Dir  string
	HTML string
	// Assets deduplicated by Path.
	Assets []build.OutputFile
	// Logs are warnings that do not fail the build.
	Logs []errors.BuildError

	assetPrefix string
}

// AddAsset publishes content under a hashed name derived from sourceName
// and returns the web path.
func (o *Output) AddAsset(sourceName, mediaType string, content []byte) string {
	webPath := o.hashedPath(sourceName, content)
	for i := range o.Assets {
		if o.Assets[i].Path == webPath {
			o.Assets[i] = build.OutputFile{Path: webPath, MediaType: mediaType, Contents: content}
			return webPath
		}
	}
	o.Assets = append(o.Assets, build.OutputFile{Path: webPath, MediaType: mediaType, Contents: content})
	return webPath
}

// ReplaceAsset swaps the content of the asset at webPath. The asset gets a
// new hashed name and references in the HTML are rewritten. It returns the
// new web path, or false when no asset lives at webPath.
func (o *Output) ReplaceAsset(webPath string, content []byte) (string, bool) {
	for i := range o.Assets {
		if o.Assets[i].Path != webPath {
			continue
		}
		next := o.hashedPath(unhashedName(webPath), content)
		o.Assets[i].Path = next
		o.Assets[i].Contents = content
		o.HTML = strings.ReplaceAll(o.HTML, webPath, next)
		return next, true
	}
	return "", false
}

// AssetsOfType returns the web paths of assets whose media type is mediaType.
func (o *Output) AssetsOfType(mediaType string) []string {
	var out []string
	for _, a := range o.Assets {
		base, _, _ := strings.Cut(a.MediaType, ";")
		if strings.EqualFold(strings.TrimSpace(base), mediaType) {
			out = append(out, a.Path)
		}
	}
	return out
}

// Asset returns the asset published at webPath.
func (o *Output) Asset(webPath string) (build.OutputFile, bool) {
	for _, a := range o.Assets {
		if a.Path == webPath {
			return a, true
		}
	}
	return build.OutputFile{}, false
}

// Warn records a non-fatal log line.
func (o *Output) Warn(msg string) {
	o.Logs = append(o.Logs, errors.BuildError{
		File:     o.EntryPath,
		Message:  msg,
		Severity: errors.ErrorSeverityWarning,
	})
}

func (o *Output) hashedPath(sourceName string, content []byte) string {
	prefix := o.assetPrefix
	if prefix == "" {
		prefix = DefaultAssetPrefix
	}
	base := filepath.Base(sourceName)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return prefix + stem + "-" + ContentHash(content) + ext
}

// ContentHash returns the short content hash used in asset names.
func ContentHash(content []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(content))[:hashLength]
}

// unhashedName strips the "-<hash>" part from a published asset name.
func unhashedName(webPath string) string {
	base := path.Base(webPath)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if i := strings.LastIndexByte(stem, '-'); i > 0 && len(stem)-i-1 == hashLength {
		stem = stem[:i]
	}
	return stem + ext
}

func failure(logs ...errors.BuildError) *build.Result {
	return &build.Result{Success: false, Logs: logs}
}

func walk(n *html.Node, fn func(*html.Node)) {
	if n.Type == html.ElementNode {
		fn(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

// referenceAttr names the attribute of n that points at a side-asset.
func referenceAttr(n *html.Node) string {
	switch n.DataAtom {
	case atom.Script, atom.Img:
		return "src"
	case atom.Link:
		for _, a := range n.Attr {
			if a.Key == "rel" && hasToken(a.Val, "stylesheet") {
				return "href"
			}
		}
	}
	return ""
}

func hasToken(list, token string) bool {
	for _, f := range strings.Fields(list) {
		if strings.EqualFold(f, token) {
			return true
		}
	}
	return false
}

// isLocal reports whether ref names a file next to the entry rather than a
// remote or inline resource.
func isLocal(ref string) bool {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "//") || strings.HasPrefix(ref, "#") {
		return false
	}
	if i := strings.IndexAny(ref, ":/?#"); i > 0 && ref[i] == ':' {
		return false
	}
	return true
}

// resolveLocal maps ref onto the filesystem below dir. Rooted references
// are relative to dir as well.
func resolveLocal(dir, ref string) (string, bool) {
	for _, seg := range strings.Split(strings.ReplaceAll(ref, "\\", "/"), "/") {
		if seg == ".." {
			return "", false
		}
	}
	target := filepath.Join(dir, filepath.FromSlash(strings.TrimPrefix(ref, "/")))
	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return target, true
}

func stripSuffix(ref string) string {
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		return ref[:i]
	}
	return ref
}

func suffixOf(ref string) string {
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		return ref[i:]
	}
	return ""
}

// detectMediaType uses the extension and falls back to sniffing content.
func detectMediaType(name string, content []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return mimetype.Detect(content).String()
}

// position returns the 1-based line and column of needle in src, or zeros.
func position(src []byte, needle string) (int, int) {
	i := bytes.Index(src, []byte(needle))
	if i < 0 {
		return 0, 0
	}
	line := bytes.Count(src[:i], []byte("\n")) + 1
	col := i - bytes.LastIndexByte(src[:i], '\n')
	return line, col
}
