package safety

import (
	stdhtml "html"
	"net/url"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Mode selects the sanitizer strength for bot-produced markup.
type Mode int

const (
	// ModeStrict parses the text and keeps only allow-listed elements and
	// attributes. Disallowed elements collapse to their text content.
	ModeStrict Mode = iota
	// ModeEscape treats the whole string as plain text and escapes all markup.
	ModeEscape
)

func (m Mode) String() string {
	switch m {
	case ModeStrict:
		return "strict"
	case ModeEscape:
		return "escape"
	default:
		return "unknown"
	}
}

var allowedTags = map[atom.Atom]struct{}{
	atom.A:      {},
	atom.B:      {},
	atom.Br:     {},
	atom.Code:   {},
	atom.Em:     {},
	atom.I:      {},
	atom.Li:     {},
	atom.Ol:     {},
	atom.P:      {},
	atom.Pre:    {},
	atom.Span:   {},
	atom.Strong: {},
	atom.U:      {},
	atom.Ul:     {},
}

var allowedAttrs = map[string]struct{}{
	"alt":   {},
	"class": {},
	"href":  {},
	"id":    {},
	"src":   {},
	"title": {},
}

var allowedSchemes = map[string]struct{}{
	"http":   {},
	"https":  {},
	"mailto": {},
	"tel":    {},
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*( [A-Za-z_][A-Za-z0-9_-]*)*$`)

// Sanitizer renders untrusted assistant output safe for display. It never
// returns an error and never panics; any parse anomaly degrades to escaping
// the input as plain text. Both modes are idempotent.
type Sanitizer struct {
	mode Mode
}

func NewSanitizer(mode Mode) *Sanitizer {
	return &Sanitizer{mode: mode}
}

func (s *Sanitizer) Mode() Mode {
	if s == nil {
		return ModeEscape
	}
	return s.mode
}

// Sanitize returns a safe rendition of text. Markup-free input is returned
// unchanged; escaping would be a no-op on it anyway.
func (s *Sanitizer) Sanitize(text string) string {
	if !strings.ContainsAny(text, "<&") {
		return text
	}
	if s == nil || s.mode == ModeEscape {
		return escapeText(text)
	}
	out, ok := sanitizeTree(text)
	if !ok {
		return escapeText(text)
	}
	return out
}

// escapeText normalizes entities before escaping so that escaping an already
// escaped string changes nothing.
func escapeText(text string) string {
	return stdhtml.EscapeString(stdhtml.UnescapeString(text))
}

func sanitizeTree(text string) (out string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Str("component", "safety").Interface("panic", r).Msg("sanitizer tree walk panicked, falling back to escaping")
			out, ok = "", false
		}
	}()

	ctx := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := html.ParseFragment(strings.NewReader(text), ctx)
	if err != nil {
		log.Warn().Err(err).Str("component", "safety").Msg("sanitizer parse failed, falling back to escaping")
		return "", false
	}

	var b strings.Builder
	for _, n := range nodes {
		for _, cleaned := range transformNode(n) {
			if err := html.Render(&b, cleaned); err != nil {
				log.Warn().Err(err).Str("component", "safety").Msg("sanitizer render failed, falling back to escaping")
				return "", false
			}
		}
	}
	return b.String(), true
}

// transformNode returns the sanitized replacement nodes for n. An allowed
// element becomes a clone with filtered attributes and sanitized children; a
// disallowed element collapses to its sanitized children.
func transformNode(n *html.Node) []*html.Node {
	switch n.Type {
	case html.TextNode:
		return []*html.Node{{Type: html.TextNode, Data: n.Data}}
	case html.ElementNode:
		if _, ok := allowedTags[n.DataAtom]; !ok {
			return transformChildren(n)
		}
		clone := &html.Node{
			Type:     html.ElementNode,
			Data:     n.Data,
			DataAtom: n.DataAtom,
			Attr:     sanitizeAttrs(n.Attr),
		}
		for _, c := range transformChildren(n) {
			clone.AppendChild(c)
		}
		return []*html.Node{clone}
	case html.CommentNode, html.DoctypeNode:
		return nil
	default:
		return transformChildren(n)
	}
}

func transformChildren(n *html.Node) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		out = append(out, transformNode(c)...)
	}
	return out
}

func sanitizeAttrs(attrs []html.Attribute) []html.Attribute {
	out := make([]html.Attribute, 0, len(attrs))
	for _, a := range attrs {
		key := strings.ToLower(a.Key)
		if a.Namespace != "" {
			continue
		}
		if _, ok := allowedAttrs[key]; !ok {
			continue
		}
		switch key {
		case "href", "src":
			if !safeURL(a.Val) {
				continue
			}
		case "class", "id":
			if !identifierPattern.MatchString(a.Val) {
				continue
			}
		}
		out = append(out, html.Attribute{Key: key, Val: a.Val})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func safeURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	if u.Scheme == "" {
		// Relative link; nothing executable can hide in one.
		return true
	}
	_, ok := allowedSchemes[strings.ToLower(u.Scheme)]
	return ok
}
