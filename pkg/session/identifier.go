package session

import (
	cryptorand "crypto/rand"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

var sessionNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9\-]`)
var sessionEntropy = ulid.Monotonic(cryptorand.Reader, 0)

// GenerateSessionID returns a unique session ID using the provided base name.
// Used when a peer connects without announcing a session of its own.
func GenerateSessionID(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		base = "session"
	}
	base = strings.ToLower(strings.ReplaceAll(base, " ", "-"))
	base = sessionNameSanitizer.ReplaceAllString(base, "-")
	base = strings.Trim(base, "-")
	if base == "" {
		base = "session"
	}

	id := ulid.MustNew(ulid.Timestamp(time.Now()), sessionEntropy).String()
	return fmt.Sprintf("%s-%s", base, strings.ToLower(id))
}

// NewRunID returns a unique identifier for one driver turn.
func NewRunID() string {
	id := ulid.MustNew(ulid.Timestamp(time.Now()), sessionEntropy).String()
	return "run-" + strings.ToLower(id)
}
