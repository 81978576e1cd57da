// Package platforms contains the adapter contract shared by every social
// network integration, the concrete adapters, and the registry that
// instantiates them from stored credentials.
package platforms

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/crosspost-labs/crosspost/backend/internal/models"
)

// Adapter is the capability surface every platform integration implements.
// Adapters are pure functions of their credentials plus the remote service:
// they hold no mutable state except cached auth sessions that are safe to
// re-derive, and they never touch the store. Instances are ephemeral per
// publish call because credentials may be rotated at any time.
type Adapter interface {
	Name() models.Platform

	// IsAvailable reports whether the credentials parse and every required
	// field is present. It performs no network I/O.
	IsAvailable() bool

	// CredentialFields describes the credential form for the external UI.
	// The descriptors are static and must not depend on live credentials.
	CredentialFields() []CredentialField

	// OptionFields describes the per-target override options this platform
	// understands.
	OptionFields() []OptionField

	Limits() CharacterLimits

	// ValidatePost checks resolved content against the platform's rules.
	// An empty slice means valid. Upload and publish are never attempted
	// for invalid content.
	ValidatePost(content ResolvedContent) []ValidationError

	// UploadMedia uploads (or otherwise registers) one asset and returns an
	// opaque platform-specific media id. For platforms that attach media
	// inline at publish time this may be the resolved file path or a public
	// URL.
	UploadMedia(ctx context.Context, asset models.MediaAsset) (string, error)

	// PublishPost publishes the resolved content. mediaIDs are the values
	// returned by UploadMedia, in the same order as content.Media. It
	// returns the opaque remote post id.
	PublishPost(ctx context.Context, content ResolvedContent, mediaIDs []string) (string, error)

	// VerifyCredentials succeeds iff the credentials authenticate against
	// the remote service. The credentials API calls it before persisting.
	VerifyCredentials(ctx context.Context) error

	// MapError normalizes any error reaching the publish pipeline into a
	// coded, retryable-classified PublishError.
	MapError(err error) PublishError
}

type CredentialField struct {
	Key         string `json:"key"`
	Label       string `json:"label"`
	Type        string `json:"type"` // "text" or "password"
	Required    bool   `json:"required,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
}

type OptionField struct {
	Key         string   `json:"key"`
	Label       string   `json:"label"`
	Type        string   `json:"type"` // "string", "boolean" or "enum"
	EnumValues  []string `json:"enumValues,omitempty"`
	Description string   `json:"description,omitempty"`
}

type CharacterLimits struct {
	MaxChars          int  `json:"maxChars"`
	MaxCharsWithMedia int  `json:"maxCharsWithMedia,omitempty"`
	RequiresMedia     bool `json:"requiresMedia,omitempty"`
}

// ResolvedContent is the effective content for one target after override
// resolution: text, the ordered media list and the option map.
type ResolvedContent struct {
	Text    string
	Media   []models.MediaAsset
	Options map[string]interface{}
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error codes used across adapters. Platform-specific codes may appear in
// addition to these.
const (
	CodeValidationFailed       = "VALIDATION_FAILED"
	CodePlatformUnavailable    = "PLATFORM_UNAVAILABLE"
	CodeRateLimited            = "RATE_LIMITED"
	CodeRemoteError            = "REMOTE_ERROR"
	CodeNetwork                = "NETWORK_ERROR"
	CodeTimeout                = "TIMEOUT"
	CodeMediaNotFound          = "MEDIA_NOT_FOUND"
	CodeMediaProcessingFailed  = "MEDIA_PROCESSING_FAILED"
	CodeMediaProcessingTimeout = "MEDIA_PROCESSING_TIMEOUT"
	CodeNotConfigured          = "NOT_CONFIGURED"
)

// PublishError is the normalized adapter error. Retryable means the same
// request may succeed later without changing inputs (rate limit, 5xx,
// connection reset, timeout).
type PublishError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e PublishError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// errorMessageLimit bounds persisted error text.
const errorMessageLimit = 500

func newPublishError(code, message string, retryable bool) PublishError {
	return PublishError{Code: code, Message: truncate(message, errorMessageLimit), Retryable: retryable}
}

// truncate caps s at max bytes, backing off to a rune boundary so the
// persisted text stays valid UTF-8.
func truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// optionString reads a string option, tolerating absent keys and non-string
// values.
func optionString(opts map[string]interface{}, key string) string {
	if opts == nil {
		return ""
	}
	if v, ok := opts[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func optionBool(opts map[string]interface{}, key string) bool {
	if opts == nil {
		return false
	}
	v, _ := opts[key].(bool)
	return v
}

// requiredPresent checks that every required credential field has a
// non-blank value. The common IsAvailable implementation.
func requiredPresent(values map[string]string, fields []CredentialField) bool {
	if values == nil {
		return false
	}
	for _, f := range fields {
		if f.Required && strings.TrimSpace(values[f.Key]) == "" {
			return false
		}
	}
	return true
}

func countMediaTypes(media []models.MediaAsset) (images, videos int) {
	for _, m := range media {
		switch m.Type {
		case models.MediaVideo:
			videos++
		default:
			images++
		}
	}
	return
}
