package assemble

import (
	"crypto/rand"
	"strings"

	"github.com/oklog/ulid/v2"
)

// GenerateChatID produces a chatcmpl-style id using a ULID for
// monotonic-enough, collision-resistant generation without a central
// counter, the same id shape the OpenAI API itself returns.
func GenerateChatID() string {
	id := ulid.MustNew(ulid.Now(), rand.Reader)
	return "chatcmpl-" + strings.ToLower(id.String())
}
