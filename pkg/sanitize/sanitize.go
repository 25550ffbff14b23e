package sanitize

import (
	"html"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

// dangerousElements are stripped along with all of their text content —
// not just unwrapped, the way bluemonday treats a generic disallowed tag.
var dangerousElements = []string{
	"script", "style", "iframe", "svg", "object", "embed",
	"template", "math", "noscript", "xmp", "plaintext",
}

// allowedStyleValues restricts the two style properties the contract
// permits on any element.
var (
	textDecorationValues = []string{"underline", "overline", "line-through", "none"}
	textAlignValues      = []string{"left", "right", "center", "justify"}
)

var (
	policyOnce sync.Once
	policy     *bluemonday.Policy
)

func getPolicy() *bluemonday.Policy {
	policyOnce.Do(func() {
		policy = buildPolicy()
	})
	return policy
}

func buildPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()

	// Strip dangerous tags and everything inside them.
	p.SkipElementsContent(dangerousElements...)
	p.SkipElements(dangerousElements...)

	// Structural and inline formatting elements a note/transcription may use.
	p.AllowElements(
		"p", "br", "hr",
		"b", "strong", "i", "em", "u", "s", "sub", "sup", "mark", "small",
		"ul", "ol", "li",
		"blockquote", "pre", "code",
		"h1", "h2", "h3", "h4", "h5", "h6",
		"table", "thead", "tbody", "tr", "th", "td",
		"span", "div",
	)

	// href/src: only http, https, mailto — entities are decoded by the
	// underlying html tokenizer before this scheme check runs.
	p.AllowAttrs("href").OnElements("a")
	p.AllowAttrs("src", "alt").OnElements("img")
	p.AllowURLSchemes("http", "https", "mailto")
	p.RequireParseableURLs(true)
	p.AllowRelativeURLs(false)

	// style: only text-decoration/text-align with an allowlisted value.
	p.AllowStyles("text-decoration").MatchingEnum(textDecorationValues...).Globally()
	p.AllowStyles("text-align").MatchingEnum(textAlignValues...).Globally()

	// Everything else — on*, data-*, class, id, style properties outside
	// the two above — is dropped because it was never allowed in.
	return p
}

// Sanitize strips dangerous markup from arbitrary byte input, returning
// bytes safe to embed in a browser-class renderer. Sanitize is idempotent
// (P3): sanitizing already-sanitized output is a no-op.
func Sanitize(input []byte) []byte {
	return []byte(SanitizeString(string(input)))
}

// SanitizeString is the string-typed equivalent of Sanitize.
func SanitizeString(input string) string {
	return getPolicy().Sanitize(input)
}

// EscapeFooterValue HTML-escapes a value for embedding in the attribution
// footer (§4.F) outside of the sanitizer's tag-aware policy — the footer is
// plain text wrapped in brackets, not markup, so escaping (not sanitizing)
// is the correct operation here; the footer is still folded into note HTML
// that passes through Sanitize before it enters the CRDT.
func EscapeFooterValue(s string) string {
	return html.EscapeString(s)
}
