package streamfmt

import (
	"bytes"
	"encoding/xml"
	"strings"
)

// escapeAttr escapes s for safe use inside a double-quoted XML attribute
// value, per spec §6: "Attribute values are XML-entity-escaped."
func escapeAttr(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

// escapeBody escapes a content-block-text/thinking payload the way the
// original streaming formatter does: backslashes first, then newlines, so
// the frontend can tell a literal "\n" (escaped newline, two chars) apart
// from an actual line break inside the streamed text.
func escapeBody(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}

// wrapCDATA wraps s in a CDATA section, splitting any embedded "]]>"
// terminator across two sections so the payload still parses.
func wrapCDATA(s string) string {
	s = strings.ReplaceAll(s, "]]>", "]]]]><![CDATA[>")
	return "<![CDATA[" + s + "]]>"
}
