/*
Package sanitize implements the HTML sanitizer contract (§4.B): any byte
string in, a byte string safe to embed in a browser-class renderer out.

It is a thin, fixed policy over github.com/microcosm-cc/bluemonday, which
itself tokenizes with golang.org/x/net/html rather than relying on a host
DOM, re-serializing a sanitized token stream instead of patching the input
string — that re-serialization step is what makes Sanitize resistant to
mutation-XSS and idempotent (Sanitize(Sanitize(s)) == Sanitize(s), P3).
*/
package sanitize
