package platforms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/crosspost-labs/crosspost/backend/internal/models"
)

const (
	discordTextLimit  = 2000
	discordMediaLimit = 10
)

type discordAdapter struct {
	webhookURL string
	env        Env
}

func newDiscordAdapter(values map[string]string, env Env) Adapter {
	a := &discordAdapter{env: env}
	if values != nil {
		a.webhookURL = strings.TrimSpace(values["webhookUrl"])
	}
	return a
}

func (a *discordAdapter) Name() models.Platform { return models.PlatformDiscord }

func (a *discordAdapter) IsAvailable() bool {
	return strings.HasPrefix(a.webhookURL, "https://")
}

func (a *discordAdapter) CredentialFields() []CredentialField {
	return []CredentialField{
		{Key: "webhookUrl", Label: "Webhook URL", Type: "password", Required: true,
			Placeholder: "https://discord.com/api/webhooks/..."},
	}
}

func (a *discordAdapter) OptionFields() []OptionField {
	return []OptionField{
		{Key: "username", Label: "Override username", Type: "string",
			Description: "Display name to use instead of the webhook default"},
	}
}

func (a *discordAdapter) Limits() CharacterLimits {
	return CharacterLimits{MaxChars: discordTextLimit, MaxCharsWithMedia: discordTextLimit}
}

func (a *discordAdapter) ValidatePost(content ResolvedContent) []ValidationError {
	var errs []ValidationError
	text := strings.TrimSpace(content.Text)
	if text == "" && len(content.Media) == 0 {
		errs = append(errs, ValidationError{Field: "content", Message: "message requires text or media"})
	}
	if n := utf8.RuneCountInString(content.Text); n > discordTextLimit {
		errs = append(errs, ValidationError{Field: "content",
			Message: fmt.Sprintf("text is %d characters; Discord messages allow at most %d", n, discordTextLimit)})
	}
	if len(content.Media) > discordMediaLimit {
		errs = append(errs, ValidationError{Field: "media",
			Message: fmt.Sprintf("Discord messages allow at most %d attachments", discordMediaLimit)})
	}
	return errs
}

// UploadMedia resolves the asset path; files attach inline on the webhook
// request.
func (a *discordAdapter) UploadMedia(ctx context.Context, asset models.MediaAsset) (string, error) {
	return a.env.statMediaFile(asset.StoragePath)
}

// PublishPost executes the webhook with wait=true so Discord returns the
// created message.
func (a *discordAdapter) PublishPost(ctx context.Context, content ResolvedContent, mediaIDs []string) (string, error) {
	payload := map[string]interface{}{"content": content.Text}
	if name := optionString(content.Options, "username"); name != "" {
		payload["username"] = name
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	_ = w.WriteField("payload_json", string(payloadJSON))
	for i, path := range mediaIDs {
		if err := attachFile(w, fmt.Sprintf("files[%d]", i), path); err != nil {
			return "", err
		}
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	sep := "?"
	if strings.Contains(a.webhookURL, "?") {
		sep = "&"
	}
	req, err := http.NewRequest("POST", a.webhookURL+sep+"wait=true", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	res, err := a.env.do(ctx, req)
	if err != nil {
		return "", err
	}
	b := readBody(res)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", &httpError{Status: res.StatusCode, Body: string(b), Hint: "webhook"}
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &out); err != nil || out.ID == "" {
		return "", fmt.Errorf("webhook: bad response: %s", truncate(string(b), 200))
	}
	return out.ID, nil
}

// VerifyCredentials fetches the webhook object; Discord allows an
// unauthenticated GET on the webhook URL itself.
func (a *discordAdapter) VerifyCredentials(ctx context.Context) error {
	req, err := http.NewRequest("GET", a.webhookURL, nil)
	if err != nil {
		return err
	}
	res, err := a.env.do(ctx, req)
	if err != nil {
		return err
	}
	b := readBody(res)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return &httpError{Status: res.StatusCode, Body: string(b), Hint: "webhook lookup"}
	}
	return nil
}

func (a *discordAdapter) MapError(err error) PublishError {
	return classifyError(err)
}
