package platforms

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Facebook, Instagram and Threads all speak the Graph API dialect; error
// envelopes and rate-limit codes are shared here.

const graphAPIBase = "https://graph.facebook.com/v18.0"

type graphErrorBody struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		Subcode   int    `json:"error_subcode"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

// graphError preserves the Graph API error code for retryability
// classification.
type graphError struct {
	HTTPStatus int
	Code       int
	Subcode    int
	Message    string
	Hint       string
}

func (e *graphError) Error() string {
	return fmt.Sprintf("%s: graph error code=%d subcode=%d: %s", e.Hint, e.Code, e.Subcode, truncate(e.Message, 300))
}

// parseGraphError converts a non-2xx Graph response into a graphError,
// falling back to a plain httpError when the body is not the standard
// envelope.
func parseGraphError(hint string, status int, body []byte) error {
	var gb graphErrorBody
	if err := json.Unmarshal(body, &gb); err == nil && gb.Error.Message != "" {
		return &graphError{
			HTTPStatus: status,
			Code:       gb.Error.Code,
			Subcode:    gb.Error.Subcode,
			Message:    gb.Error.Message,
			Hint:       hint,
		}
	}
	return &httpError{Status: status, Body: string(body), Hint: hint}
}

// Graph API codes that indicate throttling: 4 (app-level), 17 (user-level),
// 32 (page-level), 613 (custom rate limit).
func isRetryableGraphCode(code int) bool {
	switch code {
	case 4, 17, 32, 613:
		return true
	}
	return false
}

// mapGraphError is the MapError implementation shared by the Graph-dialect
// adapters.
func mapGraphError(err error) PublishError {
	var ge *graphError
	if errors.As(err, &ge) {
		if isRetryableGraphCode(ge.Code) || ge.HTTPStatus == http.StatusTooManyRequests {
			return newPublishError(CodeRateLimited, ge.Error(), true)
		}
		if ge.HTTPStatus >= 500 {
			return newPublishError(CodeRemoteError, ge.Error(), true)
		}
		return newPublishError(CodeRemoteError, ge.Error(), false)
	}
	return classifyError(err)
}
