package bridge

import (
	"context"
	"time"

	"github.com/worldline-go/types"
)

// TokenInfo describes an authenticated caller. It is returned by the
// external token service; the bridge treats it as an opaque scoping record.
type TokenInfo struct {
	Subject string
	// AllowedModels, when non-empty, restricts the token to the listed
	// public model names; the Dispatcher enforces this before resolving a
	// session endpoint.
	AllowedModels []string
	// ExpiresAt, when Valid, is enforced by the Dispatcher in addition to
	// whatever the external validator already checked.
	ExpiresAt types.Null[types.Time]
}

// Expired reports whether t carries a valid expiry that has passed.
func (t TokenInfo) Expired() bool {
	return t.ExpiresAt.Valid && t.ExpiresAt.V.Time.Before(time.Now().UTC())
}

// AllowsModel reports whether this token may be used to request model.
func (t TokenInfo) AllowsModel(model string) bool {
	if len(t.AllowedModels) == 0 {
		return true
	}
	for _, m := range t.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// TokenValidator is the external token database, consumed only through this
// narrow contract.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (TokenInfo, error)
}

// UsageRecord is one completed request's billing/telemetry shape, handed to
// the external usage logger.
type UsageRecord struct {
	RequestID       string
	TokenSubject    string
	Model           string
	PromptTokens    int
	CompletionTokens int
	Stream          bool
	Duration        time.Duration
	ErrorKind       Kind // empty on success
}

// UsageLogger is the external usage/billing sink.
type UsageLogger interface {
	LogUsage(ctx context.Context, rec UsageRecord)
}

// GeoInfo is the result of resolving a client IP to a rough location.
type GeoInfo struct {
	Country string
	City    string
}

// GeoLookup is the external IP geolocation collaborator.
type GeoLookup interface {
	Lookup(ctx context.Context, ip string) (GeoInfo, error)
}

// UAClassifier is the external User-Agent classifier.
type UAClassifier interface {
	Classify(ua string) (platform string)
}
