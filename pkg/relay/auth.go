package relay

import (
	"crypto/subtle"

	"github.com/troparcel/sync/pkg/log"
)

// Authenticator validates a room token against the configured per-room
// shared-token table (§4.I "Auth": "optional room → token table. Token
// comparison MUST be constant-time").
type Authenticator struct {
	tokens         map[string]string // room -> token
	minTokenLength int
}

// NewAuthenticator builds an Authenticator from the room->token table.
// Tokens shorter than minTokenLength are accepted but logged as a startup
// warning (§4.I "Min token length 16 chars (warn on startup if shorter)").
func NewAuthenticator(tokens map[string]string, minTokenLength int) *Authenticator {
	logger := log.WithComponent("relay-auth")
	for room, token := range tokens {
		if len(token) < minTokenLength {
			logger.Warn().Str("room", room).Int("length", len(token)).
				Int("minLength", minTokenLength).
				Msg("configured room token is shorter than the minimum recommended length")
		}
	}
	return &Authenticator{tokens: tokens, minTokenLength: minTokenLength}
}

// Required reports whether room has a configured token at all. A room with
// no entry in the table is open to any connection.
func (a *Authenticator) Required(room string) bool {
	_, ok := a.tokens[room]
	return ok
}

// Check validates presented against the configured token for room in
// constant time, so a timing side channel can't be used to recover the
// token one byte at a time. A room with no configured token always
// succeeds (open room).
func (a *Authenticator) Check(room, presented string) bool {
	want, ok := a.tokens[room]
	if !ok {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(want)) == 1
}
