package platforms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/crosspost-labs/crosspost/backend/internal/models"
)

const (
	telegramAPIBase    = "https://api.telegram.org"
	telegramTextLimit  = 4096
	telegramCaptionMax = 1024
	telegramAlbumLimit = 10
)

type telegramAdapter struct {
	botToken string
	chatID   string
	env      Env
}

func newTelegramAdapter(values map[string]string, env Env) Adapter {
	a := &telegramAdapter{env: env}
	if values != nil {
		a.botToken = strings.TrimSpace(values["botToken"])
		a.chatID = strings.TrimSpace(values["chatId"])
	}
	return a
}

func (a *telegramAdapter) Name() models.Platform { return models.PlatformTelegram }

func (a *telegramAdapter) IsAvailable() bool {
	return a.botToken != "" && a.chatID != ""
}

func (a *telegramAdapter) CredentialFields() []CredentialField {
	return []CredentialField{
		{Key: "botToken", Label: "Bot token", Type: "password", Required: true, Placeholder: "123456:ABC-DEF..."},
		{Key: "chatId", Label: "Chat or channel ID", Type: "text", Required: true, Placeholder: "@mychannel or -1001234567890"},
	}
}

func (a *telegramAdapter) OptionFields() []OptionField {
	return []OptionField{
		{Key: "parseMode", Label: "Parse mode", Type: "enum", EnumValues: []string{"MarkdownV2", "HTML"},
			Description: "Formatting applied to the message text"},
		{Key: "disableNotification", Label: "Silent delivery", Type: "boolean",
			Description: "Send without notifying channel subscribers"},
	}
}

func (a *telegramAdapter) Limits() CharacterLimits {
	return CharacterLimits{MaxChars: telegramTextLimit, MaxCharsWithMedia: telegramCaptionMax}
}

func (a *telegramAdapter) ValidatePost(content ResolvedContent) []ValidationError {
	var errs []ValidationError
	text := strings.TrimSpace(content.Text)
	if text == "" && len(content.Media) == 0 {
		errs = append(errs, ValidationError{Field: "content", Message: "message requires text or media"})
	}
	if len(content.Media) == 0 {
		if n := utf8.RuneCountInString(content.Text); n > telegramTextLimit {
			errs = append(errs, ValidationError{Field: "content",
				Message: fmt.Sprintf("text is %d characters; Telegram messages allow at most %d", n, telegramTextLimit)})
		}
	} else {
		if n := utf8.RuneCountInString(content.Text); n > telegramCaptionMax {
			errs = append(errs, ValidationError{Field: "content",
				Message: fmt.Sprintf("caption is %d characters; Telegram captions allow at most %d", n, telegramCaptionMax)})
		}
		if len(content.Media) > telegramAlbumLimit {
			errs = append(errs, ValidationError{Field: "media",
				Message: fmt.Sprintf("Telegram albums allow at most %d items", telegramAlbumLimit)})
		}
	}
	return errs
}

// UploadMedia resolves the asset to its on-disk path; Telegram attaches
// files inline in the publish request.
func (a *telegramAdapter) UploadMedia(ctx context.Context, asset models.MediaAsset) (string, error) {
	return a.env.statMediaFile(asset.StoragePath)
}

func (a *telegramAdapter) PublishPost(ctx context.Context, content ResolvedContent, mediaIDs []string) (string, error) {
	switch {
	case len(mediaIDs) == 0:
		return a.sendMessage(ctx, content)
	case len(mediaIDs) == 1:
		return a.sendSingleMedia(ctx, content, mediaIDs[0])
	default:
		return a.sendMediaGroup(ctx, content, mediaIDs)
	}
}

func (a *telegramAdapter) VerifyCredentials(ctx context.Context) error {
	var me struct {
		Username string `json:"username"`
	}
	if err := a.call(ctx, "getMe", url.Values{}, &me); err != nil {
		return err
	}
	// getMe authenticates the token; getChat proves the chat id is reachable.
	form := url.Values{}
	form.Set("chat_id", a.chatID)
	return a.call(ctx, "getChat", form, nil)
}

func (a *telegramAdapter) MapError(err error) PublishError {
	var te *telegramError
	if errors.As(err, &te) {
		if te.Code == http.StatusTooManyRequests {
			msg := te.Description
			if te.RetryAfter > 0 {
				msg = fmt.Sprintf("%s (retry after %ds)", msg, te.RetryAfter)
			}
			return newPublishError(CodeRateLimited, msg, true)
		}
		if te.Code >= 500 {
			return newPublishError(CodeRemoteError, te.Description, true)
		}
		return newPublishError(CodeRemoteError, te.Description, false)
	}
	return classifyError(err)
}

type telegramError struct {
	Code        int
	Description string
	RetryAfter  int
}

func (e *telegramError) Error() string {
	return fmt.Sprintf("telegram error %d: %s", e.Code, e.Description)
}

type telegramEnvelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (a *telegramAdapter) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", telegramAPIBase, a.botToken, method)
}

// call posts a urlencoded form to the Bot API and decodes result into out.
func (a *telegramAdapter) call(ctx context.Context, method string, form url.Values, out interface{}) error {
	req, err := http.NewRequest("POST", a.methodURL(method), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	res, err := a.env.do(ctx, req)
	if err != nil {
		return err
	}
	return decodeTelegram(readBody(res), out)
}

func decodeTelegram(body []byte, out interface{}) error {
	var env telegramEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("telegram: bad response: %s", truncate(string(body), 200))
	}
	if !env.OK {
		return &telegramError{Code: env.ErrorCode, Description: env.Description, RetryAfter: env.Parameters.RetryAfter}
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("telegram: bad result payload: %w", err)
		}
	}
	return nil
}

func (a *telegramAdapter) sendMessage(ctx context.Context, content ResolvedContent) (string, error) {
	form := url.Values{}
	form.Set("chat_id", a.chatID)
	form.Set("text", content.Text)
	applyTelegramOptions(form, content.Options)
	var msg struct {
		MessageID int64 `json:"message_id"`
	}
	if err := a.call(ctx, "sendMessage", form, &msg); err != nil {
		return "", err
	}
	return strconv.FormatInt(msg.MessageID, 10), nil
}

func (a *telegramAdapter) sendSingleMedia(ctx context.Context, content ResolvedContent, path string) (string, error) {
	method, field := "sendPhoto", "photo"
	if len(content.Media) > 0 && content.Media[0].Type == models.MediaVideo {
		method, field = "sendVideo", "video"
	}

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	_ = w.WriteField("chat_id", a.chatID)
	if strings.TrimSpace(content.Text) != "" {
		_ = w.WriteField("caption", content.Text)
	}
	if pm := optionString(content.Options, "parseMode"); pm != "" {
		_ = w.WriteField("parse_mode", pm)
	}
	if optionBool(content.Options, "disableNotification") {
		_ = w.WriteField("disable_notification", "true")
	}
	if err := attachFile(w, field, path); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequest("POST", a.methodURL(method), body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	res, err := a.env.do(ctx, req)
	if err != nil {
		return "", err
	}
	var msg struct {
		MessageID int64 `json:"message_id"`
	}
	if err := decodeTelegram(readBody(res), &msg); err != nil {
		return "", err
	}
	return strconv.FormatInt(msg.MessageID, 10), nil
}

// sendMediaGroup publishes an album. The caption rides on the first item;
// the remote id is the first message of the group.
func (a *telegramAdapter) sendMediaGroup(ctx context.Context, content ResolvedContent, paths []string) (string, error) {
	type inputMedia struct {
		Type      string `json:"type"`
		Media     string `json:"media"`
		Caption   string `json:"caption,omitempty"`
		ParseMode string `json:"parse_mode,omitempty"`
	}

	items := make([]inputMedia, 0, len(paths))
	for i := range paths {
		item := inputMedia{Type: "photo", Media: fmt.Sprintf("attach://file%d", i)}
		if i < len(content.Media) && content.Media[i].Type == models.MediaVideo {
			item.Type = "video"
		}
		if i == 0 {
			item.Caption = content.Text
			item.ParseMode = optionString(content.Options, "parseMode")
		}
		items = append(items, item)
	}
	mediaJSON, err := json.Marshal(items)
	if err != nil {
		return "", err
	}

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	_ = w.WriteField("chat_id", a.chatID)
	_ = w.WriteField("media", string(mediaJSON))
	if optionBool(content.Options, "disableNotification") {
		_ = w.WriteField("disable_notification", "true")
	}
	for i, p := range paths {
		if err := attachFile(w, fmt.Sprintf("file%d", i), p); err != nil {
			return "", err
		}
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequest("POST", a.methodURL("sendMediaGroup"), body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	res, err := a.env.do(ctx, req)
	if err != nil {
		return "", err
	}
	var msgs []struct {
		MessageID int64 `json:"message_id"`
	}
	if err := decodeTelegram(readBody(res), &msgs); err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "", fmt.Errorf("telegram: sendMediaGroup returned no messages")
	}
	return strconv.FormatInt(msgs[0].MessageID, 10), nil
}

func attachFile(w *multipart.Writer, field, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	part, err := w.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}

func applyTelegramOptions(form url.Values, opts map[string]interface{}) {
	if pm := optionString(opts, "parseMode"); pm != "" {
		form.Set("parse_mode", pm)
	}
	if optionBool(opts, "disableNotification") {
		form.Set("disable_notification", "true")
	}
}
