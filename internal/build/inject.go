package build

import (
	"bytes"
	stderrors "errors"
	"io"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// DefaultReloadPath is the WebSocket endpoint the reload client dials.
const DefaultReloadPath = "/ws"

// reloadClient is formatted with the quoted WebSocket path. On "rebuild" it
// refetches the page and swaps scripts whose src carries a build hash,
// falling back to a full reload when the new page has none. "reload" always
// reloads.
const reloadClient = `<script data-pagecache-reload>
(function () {
  var wsPath = %s;
  var hashed = /-[0-9a-f]{8,}\.[A-Za-z0-9]+(\?|#|$)/;
  function isHashed(el) { return hashed.test(el.getAttribute("src") || ""); }
  function swap() {
    fetch(location.href, { cache: "no-store" }).then(function (res) {
      return res.text();
    }).then(function (text) {
      var doc = new DOMParser().parseFromString(text, "text/html");
      var fresh = [].slice.call(doc.querySelectorAll("script[src]")).filter(isHashed);
      if (fresh.length === 0) { location.reload(); return; }
      [].slice.call(document.querySelectorAll("script[src]")).filter(isHashed).forEach(function (el) {
        el.parentNode.removeChild(el);
      });
      fresh.forEach(function (el) {
        var s = document.createElement("script");
        s.src = el.getAttribute("src");
        if (el.type) { s.type = el.type; }
        document.body.appendChild(s);
      });
    }).catch(function () { location.reload(); });
  }
  function connect() {
    var proto = location.protocol === "https:" ? "wss://" : "ws://";
    var ws = new WebSocket(proto + location.host + wsPath);
    ws.onmessage = function (ev) {
      var msg;
      try { msg = JSON.parse(ev.data); } catch (e) { return; }
      if (msg.paths && msg.paths.indexOf(location.pathname) === -1) { return; }
      if (msg.type === "reload") { location.reload(); }
      else if (msg.type === "rebuild") { swap(); }
    };
    ws.onclose = function () { setTimeout(connect, 1000); };
  }
  connect();
})();
</script>
`

// ReloadScript returns the development reload client for wsPath.
func ReloadScript(wsPath string) string {
	if wsPath == "" {
		wsPath = DefaultReloadPath
	}
	return strings.Replace(reloadClient, "%s", strconv.Quote(wsPath), 1)
}

// InjectReloadClient inserts the reload client before the document's closing
// body tag. Documents without a body element get the client appended at the
// end. The rest of the document is left byte for byte as it was.
func InjectReloadClient(document, wsPath string) (string, error) {
	script := ReloadScript(wsPath)

	offset, err := closingBodyOffset(document)
	if err != nil {
		return "", err
	}
	if offset < 0 {
		return document + script, nil
	}
	return document[:offset] + script + document[offset:], nil
}

// closingBodyOffset returns the byte offset of the last </body> tag that the
// HTML tokenizer sees (ignoring ones inside comments or scripts), or -1.
func closingBodyOffset(document string) (int, error) {
	z := html.NewTokenizer(strings.NewReader(document))
	pos, found := 0, -1
	for {
		tt := z.Next()
		raw := len(z.Raw())
		switch tt {
		case html.ErrorToken:
			if err := z.Err(); err != nil && !stderrors.Is(err, io.EOF) {
				return -1, err
			}
			return found, nil
		case html.EndTagToken:
			name, _ := z.TagName()
			if atom.Lookup(bytes.ToLower(name)) == atom.Body {
				found = pos
			}
		}
		pos += raw
	}
}
