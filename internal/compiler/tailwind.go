package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const tailwindBaseCSS = "@tailwind base;\n@tailwind components;\n@tailwind utilities;\n"

// tailwindConfigNames are looked up in the entry directory.
var tailwindConfigNames = []string{
	"tailwind.config.js",
	"tailwind.config.ts",
	"tailwind.config.cjs",
	"tailwind.config.mjs",
}

// CommandRunner runs an external command and returns its standard output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// TailwindPlugin runs the Tailwind CSS CLI over the page's stylesheets. A
// page without stylesheets gets one generated from the base directives and
// linked from its head.
type TailwindPlugin struct {
	run      CommandRunner
	lookPath func(string) (string, error)
}

// NewTailwindPlugin creates the CSS-framework plugin.
func NewTailwindPlugin() *TailwindPlugin {
	return &TailwindPlugin{run: execCommand, lookPath: exec.LookPath}
}

// Name returns the plugin name.
func (tp *TailwindPlugin) Name() string {
	return "tailwind"
}

// Apply compiles every stylesheet of out through tailwindcss.
func (tp *TailwindPlugin) Apply(ctx context.Context, out *Output) error {
	command, err := tp.command()
	if err != nil {
		return err
	}
	configPath := findTailwindConfig(out.Dir)

	sheets := out.AssetsOfType("text/css")
	if len(sheets) == 0 {
		css, err := tp.compile(ctx, command, configPath, out, []byte(tailwindBaseCSS))
		if err != nil {
			return err
		}
		webPath := out.AddAsset("tailwind.css", "text/css; charset=utf-8", css)
		link := `<link rel="stylesheet" href="` + webPath + `"/>`
		if !strings.Contains(out.HTML, "</head>") {
			out.Warn("tailwind: document has no head, stylesheet not linked")
			return nil
		}
		out.HTML = strings.Replace(out.HTML, "</head>", link+"</head>", 1)
		return nil
	}

	for _, webPath := range sheets {
		asset, _ := out.Asset(webPath)
		css, err := tp.compile(ctx, command, configPath, out, asset.Contents)
		if err != nil {
			return fmt.Errorf("%s: %w", webPath, err)
		}
		out.ReplaceAsset(webPath, css)
	}
	return nil
}

// command locates the tailwindcss CLI, falling back to npx.
func (tp *TailwindPlugin) command() ([]string, error) {
	if p, err := tp.lookPath("tailwindcss"); err == nil {
		return []string{p}, nil
	}
	if p, err := tp.lookPath("npx"); err == nil {
		return []string{p, "tailwindcss"}, nil
	}
	return nil, errors.New("tailwindcss not found in PATH and npx not available")
}

func (tp *TailwindPlugin) compile(ctx context.Context, command []string, configPath string, out *Output, input []byte) ([]byte, error) {
	tempFile, err := os.CreateTemp("", "pagecache-tailwind-input-*.css")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary CSS file: %w", err)
	}
	tempFilePath := tempFile.Name()
	defer os.Remove(tempFilePath)

	if _, err := tempFile.Write(input); err != nil {
		_ = tempFile.Close()
		return nil, fmt.Errorf("failed to write temporary CSS file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temporary CSS file: %w", err)
	}

	args := append([]string{}, command[1:]...)
	args = append(args, "-i", tempFilePath, "--content", out.EntryPath)
	if configPath != "" {
		args = append(args, "--config", configPath)
	}

	css, err := tp.run(ctx, command[0], args...)
	if err != nil {
		return nil, fmt.Errorf("tailwindcss failed: %w", err)
	}
	return css, nil
}

func findTailwindConfig(dir string) string {
	for _, name := range tailwindConfigNames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func execCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	//nolint:gosec // name is the resolved tailwindcss or npx binary
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", err, msg)
	}
	return stdout.Bytes(), nil
}
