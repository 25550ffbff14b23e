package config

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// Transport identifies which transport.Adapter implementation a connection
// string selects.
type Transport string

const (
	TransportWS       Transport = "ws"
	TransportWSS      Transport = "wss"
	TransportFile     Transport = "file"
	TransportSnapshot Transport = "snapshot"
)

const connStringPrefix = "troparcel://"

// Parsed is the decoded form of a troparcel:// connection string (§6.1).
// Target holds the transport-specific address: host[:port] for ws/wss, a
// filesystem path for file, a full URL for snapshot.
type Parsed struct {
	Transport Transport
	Target    string
	Room      string
	Token     string
}

// Parse decodes a troparcel:// connection string. An empty raw string is
// not an error: it returns (nil, nil), meaning "use individual fields"
// per §6.1 ("Empty string ⇒ null").
func Parse(raw string) (*Parsed, error) {
	if raw == "" {
		return nil, nil
	}
	if !strings.HasPrefix(raw, connStringPrefix) {
		return nil, fmt.Errorf("config: connection string must start with %q", connStringPrefix)
	}
	rest := raw[len(connStringPrefix):]

	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return nil, fmt.Errorf("config: connection string missing target after transport")
	}
	transport := Transport(rest[:slash])
	remainder := rest[slash+1:]

	switch transport {
	case TransportWS, TransportWSS:
		return parseWS(transport, remainder)
	case TransportFile:
		return parseFile(transport, remainder)
	case TransportSnapshot:
		return parseSnapshot(transport, remainder)
	default:
		return nil, fmt.Errorf("config: unknown transport %q", transport)
	}
}

func parseWS(transport Transport, remainder string) (*Parsed, error) {
	body, query := splitQuery(remainder)
	if body == "" {
		return nil, fmt.Errorf("config: %s target missing host", transport)
	}
	parts := strings.SplitN(body, "/", 2)
	host := parts[0]
	room := ""
	if len(parts) == 2 {
		room = parts[1]
	}
	return &Parsed{
		Transport: transport,
		Target:    host,
		Room:      SanitizeRoomName(room),
		Token:     query.Get("token"),
	}, nil
}

func parseFile(transport Transport, remainder string) (*Parsed, error) {
	body, _ := splitQuery(remainder)
	if body == "" {
		return nil, fmt.Errorf("config: file target missing path")
	}
	dir := "/" + body
	room := SanitizeRoomName(path.Base(dir))
	return &Parsed{Transport: transport, Target: dir, Room: room}, nil
}

// authParamPattern matches a trailing ?auth=... or &auth=... appended to
// the embedded snapshot URL, so the auth token can be peeled off without
// disturbing the target URL's own query string.
var authParamPattern = regexp.MustCompile(`[?&]auth=([^&]*)$`)

func parseSnapshot(transport Transport, remainder string) (*Parsed, error) {
	target := remainder
	token := ""
	if loc := authParamPattern.FindStringSubmatchIndex(remainder); loc != nil {
		token = remainder[loc[2]:loc[3]]
		target = remainder[:loc[0]]
		if decoded, err := url.QueryUnescape(token); err == nil {
			token = decoded
		}
	}
	if target == "" {
		return nil, fmt.Errorf("config: snapshot target missing url")
	}
	return &Parsed{Transport: transport, Target: target, Token: token}, nil
}

func splitQuery(s string) (string, url.Values) {
	q := strings.IndexByte(s, '?')
	if q < 0 {
		return s, url.Values{}
	}
	values, err := url.ParseQuery(s[q+1:])
	if err != nil {
		values = url.Values{}
	}
	return s[:q], values
}

var unsafeRoomChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// SanitizeRoomName normalises a room name derived from user input (a file
// path, a URL fragment, an env var) to a small safe charset, falling back
// to "default" when nothing usable remains (§9 Q1). Callers that rely on
// the "default" fallback should flag it at startup, since two peers who
// both fall through to it are treated as collaborators, not segregated —
// the ambiguity the spec leaves unresolved.
func SanitizeRoomName(raw string) string {
	trimmed := strings.Trim(raw, "/")
	cleaned := unsafeRoomChars.ReplaceAllString(trimmed, "-")
	cleaned = strings.Trim(cleaned, "-")
	if cleaned == "" {
		return "default"
	}
	return cleaned
}

// IsDefaultRoomFallback reports whether name is the Q1 fallback sentinel.
func IsDefaultRoomFallback(name string) bool {
	return name == "default"
}
