package platforms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/crosspost-labs/crosspost/backend/internal/models"
	"github.com/dghubble/oauth1"
)

const (
	twitterUploadURL = "https://upload.twitter.com/1.1/media/upload.json"
	twitterTweetURL  = "https://api.twitter.com/2/tweets"
	twitterVerifyURL = "https://api.twitter.com/2/users/me"

	twitterTextLimit  = 280
	twitterImageLimit = 4

	// chunked APPEND segment size for video uploads
	twitterChunkSize = 4 * 1024 * 1024
)

type twitterAdapter struct {
	apiKey            string
	apiSecret         string
	accessToken       string
	accessTokenSecret string
	env               Env
}

func newTwitterAdapter(values map[string]string, env Env) Adapter {
	a := &twitterAdapter{env: env}
	if values != nil {
		a.apiKey = strings.TrimSpace(values["apiKey"])
		a.apiSecret = strings.TrimSpace(values["apiSecret"])
		a.accessToken = strings.TrimSpace(values["accessToken"])
		a.accessTokenSecret = strings.TrimSpace(values["accessTokenSecret"])
	}
	return a
}

func (a *twitterAdapter) Name() models.Platform { return models.PlatformTwitter }

func (a *twitterAdapter) IsAvailable() bool {
	return requiredPresent(map[string]string{
		"apiKey":            a.apiKey,
		"apiSecret":         a.apiSecret,
		"accessToken":       a.accessToken,
		"accessTokenSecret": a.accessTokenSecret,
	}, a.CredentialFields())
}

func (a *twitterAdapter) CredentialFields() []CredentialField {
	return []CredentialField{
		{Key: "apiKey", Label: "API key", Type: "text", Required: true},
		{Key: "apiSecret", Label: "API key secret", Type: "password", Required: true},
		{Key: "accessToken", Label: "Access token", Type: "text", Required: true},
		{Key: "accessTokenSecret", Label: "Access token secret", Type: "password", Required: true},
	}
}

func (a *twitterAdapter) OptionFields() []OptionField {
	return []OptionField{
		{Key: "replySettings", Label: "Who can reply", Type: "enum",
			EnumValues:  []string{"following", "mentionedUsers"},
			Description: "Restrict replies; leave unset to allow everyone"},
	}
}

func (a *twitterAdapter) Limits() CharacterLimits {
	return CharacterLimits{MaxChars: twitterTextLimit, MaxCharsWithMedia: twitterTextLimit}
}

func (a *twitterAdapter) ValidatePost(content ResolvedContent) []ValidationError {
	var errs []ValidationError
	text := strings.TrimSpace(content.Text)
	if text == "" && len(content.Media) == 0 {
		errs = append(errs, ValidationError{Field: "content", Message: "tweet requires text or media"})
	}
	if n := utf8.RuneCountInString(content.Text); n > twitterTextLimit {
		errs = append(errs, ValidationError{Field: "content",
			Message: fmt.Sprintf("text is %d characters; tweets allow at most %d", n, twitterTextLimit)})
	}
	images, videos := countMediaTypes(content.Media)
	if videos > 1 {
		errs = append(errs, ValidationError{Field: "media", Message: "tweets allow at most one video"})
	}
	if videos > 0 && images > 0 {
		errs = append(errs, ValidationError{Field: "media", Message: "tweets cannot mix images and video"})
	}
	if images > twitterImageLimit {
		errs = append(errs, ValidationError{Field: "media",
			Message: fmt.Sprintf("tweets allow at most %d images", twitterImageLimit)})
	}
	return errs
}

// signedClient builds an OAuth1-signing client on top of the shared HTTP
// client so tests can inject a stub transport.
func (a *twitterAdapter) signedClient(ctx context.Context) *http.Client {
	config := oauth1.NewConfig(a.apiKey, a.apiSecret)
	token := oauth1.NewToken(a.accessToken, a.accessTokenSecret)
	ctx = context.WithValue(ctx, oauth1.HTTPClient, a.env.client())
	return config.Client(ctx, token)
}

// doSigned is Env.do with OAuth1 request signing.
func (a *twitterAdapter) doSigned(ctx context.Context, req *http.Request) (*http.Response, error) {
	if a.env.Limiter != nil {
		if err := a.env.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return a.signedClient(ctx).Do(req.WithContext(ctx))
}

func (a *twitterAdapter) UploadMedia(ctx context.Context, asset models.MediaAsset) (string, error) {
	data, err := a.env.readMediaFile(asset.StoragePath)
	if err != nil {
		return "", err
	}
	if asset.Type == models.MediaVideo {
		return a.uploadChunked(ctx, asset, data)
	}
	return a.uploadSimple(ctx, asset, data)
}

// uploadSimple posts the whole image in one multipart request.
func (a *twitterAdapter) uploadSimple(ctx context.Context, asset models.MediaAsset, data []byte) (string, error) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile("media", asset.OriginalFilename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	req, err := http.NewRequest("POST", twitterUploadURL, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	res, err := a.doSigned(ctx, req)
	if err != nil {
		return "", err
	}
	b := readBody(res)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", &httpError{Status: res.StatusCode, Body: string(b), Hint: "media/upload"}
	}
	var out struct {
		MediaIDString string `json:"media_id_string"`
	}
	if err := json.Unmarshal(b, &out); err != nil || out.MediaIDString == "" {
		return "", fmt.Errorf("media/upload: bad response: %s", truncate(string(b), 200))
	}
	return out.MediaIDString, nil
}

// uploadChunked runs the INIT/APPEND/FINALIZE flow required for video, then
// polls processing status when FINALIZE reports async processing.
func (a *twitterAdapter) uploadChunked(ctx context.Context, asset models.MediaAsset, data []byte) (string, error) {
	mediaID, err := a.chunkedInit(ctx, asset, len(data))
	if err != nil {
		return "", err
	}
	for i, offset := 0, 0; offset < len(data); i, offset = i+1, offset+twitterChunkSize {
		end := offset + twitterChunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := a.chunkedAppend(ctx, mediaID, i, data[offset:end]); err != nil {
			return "", err
		}
	}
	return a.chunkedFinalize(ctx, mediaID)
}

func (a *twitterAdapter) chunkedInit(ctx context.Context, asset models.MediaAsset, total int) (string, error) {
	form := url.Values{}
	form.Set("command", "INIT")
	form.Set("media_type", asset.MimeType)
	form.Set("media_category", "tweet_video")
	form.Set("total_bytes", strconv.Itoa(total))
	req, err := http.NewRequest("POST", twitterUploadURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	res, err := a.doSigned(ctx, req)
	if err != nil {
		return "", err
	}
	b := readBody(res)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", &httpError{Status: res.StatusCode, Body: string(b), Hint: "media/upload INIT"}
	}
	var out struct {
		MediaIDString string `json:"media_id_string"`
	}
	if err := json.Unmarshal(b, &out); err != nil || out.MediaIDString == "" {
		return "", fmt.Errorf("media/upload INIT: bad response: %s", truncate(string(b), 200))
	}
	return out.MediaIDString, nil
}

func (a *twitterAdapter) chunkedAppend(ctx context.Context, mediaID string, segment int, chunk []byte) error {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	_ = w.WriteField("command", "APPEND")
	_ = w.WriteField("media_id", mediaID)
	_ = w.WriteField("segment_index", strconv.Itoa(segment))
	part, err := w.CreateFormFile("media", "chunk")
	if err != nil {
		return err
	}
	if _, err := part.Write(chunk); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	req, err := http.NewRequest("POST", twitterUploadURL, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	res, err := a.doSigned(ctx, req)
	if err != nil {
		return err
	}
	b := readBody(res)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return &httpError{Status: res.StatusCode, Body: string(b), Hint: "media/upload APPEND"}
	}
	return nil
}

type twitterProcessingInfo struct {
	State          string `json:"state"` // pending | in_progress | succeeded | failed
	CheckAfterSecs int    `json:"check_after_secs"`
	Error          struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (a *twitterAdapter) chunkedFinalize(ctx context.Context, mediaID string) (string, error) {
	form := url.Values{}
	form.Set("command", "FINALIZE")
	form.Set("media_id", mediaID)
	req, err := http.NewRequest("POST", twitterUploadURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	res, err := a.doSigned(ctx, req)
	if err != nil {
		return "", err
	}
	b := readBody(res)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", &httpError{Status: res.StatusCode, Body: string(b), Hint: "media/upload FINALIZE"}
	}
	var out struct {
		MediaIDString  string                 `json:"media_id_string"`
		ProcessingInfo *twitterProcessingInfo `json:"processing_info"`
	}
	if err := json.Unmarshal(b, &out); err != nil || out.MediaIDString == "" {
		return "", fmt.Errorf("media/upload FINALIZE: bad response: %s", truncate(string(b), 200))
	}
	if out.ProcessingInfo == nil || out.ProcessingInfo.State == "succeeded" {
		return out.MediaIDString, nil
	}
	if err := a.waitProcessing(ctx, out.MediaIDString); err != nil {
		return "", err
	}
	return out.MediaIDString, nil
}

func (a *twitterAdapter) waitProcessing(ctx context.Context, mediaID string) error {
	return pollUntil(ctx, 60*time.Second, 2*time.Second, func(ctx context.Context) (bool, error) {
		statusURL := twitterUploadURL + "?command=STATUS&media_id=" + url.QueryEscape(mediaID)
		req, err := http.NewRequest("GET", statusURL, nil)
		if err != nil {
			return false, err
		}
		res, err := a.doSigned(ctx, req)
		if err != nil {
			return false, err
		}
		b := readBody(res)
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			return false, &httpError{Status: res.StatusCode, Body: string(b), Hint: "media/upload STATUS"}
		}
		var out struct {
			ProcessingInfo twitterProcessingInfo `json:"processing_info"`
		}
		if err := json.Unmarshal(b, &out); err != nil {
			return false, fmt.Errorf("media/upload STATUS: bad response: %s", truncate(string(b), 200))
		}
		switch out.ProcessingInfo.State {
		case "succeeded":
			return true, nil
		case "failed":
			return false, newPublishError(CodeMediaProcessingFailed,
				"video processing failed: "+out.ProcessingInfo.Error.Message, false)
		default:
			return false, nil
		}
	})
}

func (a *twitterAdapter) PublishPost(ctx context.Context, content ResolvedContent, mediaIDs []string) (string, error) {
	payload := map[string]interface{}{"text": content.Text}
	if len(mediaIDs) > 0 {
		payload["media"] = map[string]interface{}{"media_ids": mediaIDs}
	}
	if rs := optionString(content.Options, "replySettings"); rs != "" {
		payload["reply_settings"] = rs
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequest("POST", twitterTweetURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := a.doSigned(ctx, req)
	if err != nil {
		return "", err
	}
	b := readBody(res)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", &httpError{Status: res.StatusCode, Body: string(b), Hint: "tweets"}
	}
	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(b, &out); err != nil || out.Data.ID == "" {
		return "", fmt.Errorf("tweets: bad response: %s", truncate(string(b), 200))
	}
	return out.Data.ID, nil
}

func (a *twitterAdapter) VerifyCredentials(ctx context.Context) error {
	req, err := http.NewRequest("GET", twitterVerifyURL, nil)
	if err != nil {
		return err
	}
	res, err := a.doSigned(ctx, req)
	if err != nil {
		return err
	}
	b := readBody(res)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return &httpError{Status: res.StatusCode, Body: string(b), Hint: "users/me"}
	}
	return nil
}

func (a *twitterAdapter) MapError(err error) PublishError {
	return classifyError(err)
}
