package platforms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/crosspost-labs/crosspost/backend/internal/models"
)

const (
	mastodonTextLimit  = 500
	mastodonMediaLimit = 4

	mastodonPollInterval = 2 * time.Second
	mastodonPollDeadline = 60 * time.Second
)

type mastodonAdapter struct {
	serverURL   string
	accessToken string
	env         Env
}

func newMastodonAdapter(values map[string]string, env Env) Adapter {
	a := &mastodonAdapter{env: env}
	if values != nil {
		a.serverURL = strings.TrimRight(strings.TrimSpace(values["serverUrl"]), "/")
		a.accessToken = strings.TrimSpace(values["accessToken"])
	}
	return a
}

func (a *mastodonAdapter) Name() models.Platform { return models.PlatformMastodon }

func (a *mastodonAdapter) IsAvailable() bool {
	return a.serverURL != "" && a.accessToken != ""
}

func (a *mastodonAdapter) CredentialFields() []CredentialField {
	return []CredentialField{
		{Key: "serverUrl", Label: "Server URL", Type: "text", Required: true, Placeholder: "https://mastodon.social"},
		{Key: "accessToken", Label: "Access token", Type: "password", Required: true},
	}
}

func (a *mastodonAdapter) OptionFields() []OptionField {
	return []OptionField{
		{Key: "visibility", Label: "Visibility", Type: "enum",
			EnumValues: []string{"public", "unlisted", "private", "direct"}},
		{Key: "sensitive", Label: "Mark media sensitive", Type: "boolean"},
		{Key: "spoilerText", Label: "Content warning", Type: "string",
			Description: "Text shown before the status is revealed"},
	}
}

func (a *mastodonAdapter) Limits() CharacterLimits {
	return CharacterLimits{MaxChars: mastodonTextLimit, MaxCharsWithMedia: mastodonTextLimit}
}

func (a *mastodonAdapter) ValidatePost(content ResolvedContent) []ValidationError {
	var errs []ValidationError
	text := strings.TrimSpace(content.Text)
	if text == "" && len(content.Media) == 0 {
		errs = append(errs, ValidationError{Field: "content", Message: "status requires text or media"})
	}
	if n := utf8.RuneCountInString(content.Text); n > mastodonTextLimit {
		errs = append(errs, ValidationError{Field: "content",
			Message: fmt.Sprintf("text is %d characters; statuses allow at most %d", n, mastodonTextLimit)})
	}
	images, videos := countMediaTypes(content.Media)
	if videos > 1 {
		errs = append(errs, ValidationError{Field: "media", Message: "statuses allow at most one video"})
	}
	if videos > 0 && images > 0 {
		errs = append(errs, ValidationError{Field: "media", Message: "statuses cannot mix images and video"})
	}
	if len(content.Media) > mastodonMediaLimit {
		errs = append(errs, ValidationError{Field: "media",
			Message: fmt.Sprintf("statuses allow at most %d attachments", mastodonMediaLimit)})
	}
	return errs
}

// UploadMedia posts to /api/v2/media. A 202 means the server is still
// processing; poll /api/v1/media/{id} until it returns 200.
func (a *mastodonAdapter) UploadMedia(ctx context.Context, asset models.MediaAsset) (string, error) {
	data, err := a.env.readMediaFile(asset.StoragePath)
	if err != nil {
		return "", err
	}

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile("file", asset.OriginalFilename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequest("POST", a.serverURL+"/api/v2/media", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+a.accessToken)
	res, err := a.env.do(ctx, req)
	if err != nil {
		return "", err
	}
	b := readBody(res)
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusAccepted {
		return "", &httpError{Status: res.StatusCode, Body: string(b), Hint: "media upload"}
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &out); err != nil || out.ID == "" {
		return "", fmt.Errorf("media upload: bad response: %s", truncate(string(b), 200))
	}
	if res.StatusCode == http.StatusAccepted {
		if err := a.waitMedia(ctx, out.ID); err != nil {
			return "", err
		}
	}
	return out.ID, nil
}

// waitMedia polls the media endpoint; 206 means still processing, 200 means
// ready.
func (a *mastodonAdapter) waitMedia(ctx context.Context, mediaID string) error {
	return pollUntil(ctx, mastodonPollDeadline, mastodonPollInterval, func(ctx context.Context) (bool, error) {
		req, err := http.NewRequest("GET", a.serverURL+"/api/v1/media/"+url.PathEscape(mediaID), nil)
		if err != nil {
			return false, err
		}
		req.Header.Set("Authorization", "Bearer "+a.accessToken)
		res, err := a.env.do(ctx, req)
		if err != nil {
			return false, err
		}
		b := readBody(res)
		switch res.StatusCode {
		case http.StatusOK:
			return true, nil
		case http.StatusPartialContent:
			return false, nil
		default:
			return false, &httpError{Status: res.StatusCode, Body: string(b), Hint: "media status"}
		}
	})
}

func (a *mastodonAdapter) PublishPost(ctx context.Context, content ResolvedContent, mediaIDs []string) (string, error) {
	form := url.Values{}
	form.Set("status", content.Text)
	for _, id := range mediaIDs {
		form.Add("media_ids[]", id)
	}
	if v := optionString(content.Options, "visibility"); v != "" {
		form.Set("visibility", v)
	}
	if optionBool(content.Options, "sensitive") {
		form.Set("sensitive", "true")
	}
	if st := optionString(content.Options, "spoilerText"); st != "" {
		form.Set("spoiler_text", st)
	}

	req, err := http.NewRequest("POST", a.serverURL+"/api/v1/statuses", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+a.accessToken)
	res, err := a.env.do(ctx, req)
	if err != nil {
		return "", err
	}
	b := readBody(res)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", &httpError{Status: res.StatusCode, Body: string(b), Hint: "statuses"}
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &out); err != nil || out.ID == "" {
		return "", fmt.Errorf("statuses: bad response: %s", truncate(string(b), 200))
	}
	return out.ID, nil
}

func (a *mastodonAdapter) VerifyCredentials(ctx context.Context) error {
	req, err := http.NewRequest("GET", a.serverURL+"/api/v1/accounts/verify_credentials", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.accessToken)
	res, err := a.env.do(ctx, req)
	if err != nil {
		return err
	}
	b := readBody(res)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return &httpError{Status: res.StatusCode, Body: string(b), Hint: "verify_credentials"}
	}
	return nil
}

func (a *mastodonAdapter) MapError(err error) PublishError {
	return classifyError(err)
}
