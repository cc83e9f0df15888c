package errors

import (
	"context"
	"fmt"
	"io"

	"github.com/a-h/templ"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var titleCaser = cases.Title(language.English)

func severityColor(s ErrorSeverity) string {
	switch s {
	case ErrorSeverityWarning:
		return "#feca57"
	case ErrorSeverityInfo:
		return "#48dbfb"
	default:
		return "#ff6b6b"
	}
}

// Overlay returns a full HTML page describing a failed compile. reloadScript
// is appended verbatim so a development client keeps listening for the fix.
func Overlay(ce *CompileError, reloadScript string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := io.WriteString(w, `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Build failed</title></head>
<body style="margin:0;background:#1a202c;color:#e2e8f0;font-family:Monaco,Menlo,monospace;font-size:14px;">
<div id="pagecache-error-overlay" style="max-width:1000px;margin:0 auto;padding:20px;">
<h2 style="color:#ff6b6b;">Build failed: `); err != nil {
			return err
		}
		if _, err := io.WriteString(w, templ.EscapeString(ce.Entry)); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "</h2>\n"); err != nil {
			return err
		}

		if ce.Cause != nil {
			if _, err := fmt.Fprintf(w, "<pre style=\"white-space:pre-wrap;\">%s</pre>\n",
				templ.EscapeString(ce.Cause.Error())); err != nil {
				return err
			}
		}

		for _, be := range ce.Logs {
			color := severityColor(be.Severity)
			location := be.File
			if be.Line > 0 {
				location = fmt.Sprintf("%s:%d:%d", be.File, be.Line, be.Column)
			}
			if _, err := fmt.Fprintf(w,
				`<div style="background:#2d3748;padding:15px;margin-bottom:15px;border-radius:4px;border-left:4px solid %s;">`+
					`<div style="color:%s;font-weight:bold;">%s</div>`+
					`<div style="margin:5px 0;"><strong>%s</strong></div>`+
					`<div style="color:#a0aec0;font-size:12px;">%s</div></div>`+"\n",
				color, color, titleCaser.String(be.Severity.String()),
				templ.EscapeString(be.Message), templ.EscapeString(location)); err != nil {
				return err
			}
		}

		if _, err := io.WriteString(w, "</div>\n"+reloadScript+"</body></html>\n"); err != nil {
			return err
		}
		return nil
	})
}
