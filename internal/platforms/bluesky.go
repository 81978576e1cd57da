package platforms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/crosspost-labs/crosspost/backend/internal/mediameta"
	"github.com/crosspost-labs/crosspost/backend/internal/models"
)

const (
	blueskyDefaultService = "https://bsky.social"
	blueskyTextLimit      = 300
	blueskyImageLimit     = 4
)

type blueskyAdapter struct {
	identifier  string
	appPassword string
	serviceURL  string
	env         Env

	// session cache, filled on first authenticated call
	accessJwt string
	did       string
}

func newBlueskyAdapter(values map[string]string, env Env) Adapter {
	a := &blueskyAdapter{env: env, serviceURL: blueskyDefaultService}
	if values != nil {
		a.identifier = strings.TrimSpace(values["identifier"])
		a.appPassword = strings.TrimSpace(values["appPassword"])
		if s := strings.TrimRight(strings.TrimSpace(values["serviceUrl"]), "/"); s != "" {
			a.serviceURL = s
		}
	}
	return a
}

func (a *blueskyAdapter) Name() models.Platform { return models.PlatformBluesky }

func (a *blueskyAdapter) IsAvailable() bool {
	return a.identifier != "" && a.appPassword != ""
}

func (a *blueskyAdapter) CredentialFields() []CredentialField {
	return []CredentialField{
		{Key: "identifier", Label: "Handle or DID", Type: "text", Required: true, Placeholder: "alice.bsky.social"},
		{Key: "appPassword", Label: "App password", Type: "password", Required: true},
		{Key: "serviceUrl", Label: "PDS URL", Type: "text", Placeholder: blueskyDefaultService},
	}
}

func (a *blueskyAdapter) OptionFields() []OptionField {
	return []OptionField{
		{Key: "langs", Label: "Languages", Type: "string",
			Description: "Comma-separated BCP-47 language tags, e.g. en,pt-BR"},
	}
}

func (a *blueskyAdapter) Limits() CharacterLimits {
	return CharacterLimits{MaxChars: blueskyTextLimit, MaxCharsWithMedia: blueskyTextLimit}
}

func (a *blueskyAdapter) ValidatePost(content ResolvedContent) []ValidationError {
	var errs []ValidationError
	text := strings.TrimSpace(content.Text)
	if text == "" && len(content.Media) == 0 {
		errs = append(errs, ValidationError{Field: "content", Message: "post requires text or media"})
	}
	if n := utf8.RuneCountInString(content.Text); n > blueskyTextLimit {
		errs = append(errs, ValidationError{Field: "content",
			Message: fmt.Sprintf("text is %d characters; Bluesky posts allow at most %d", n, blueskyTextLimit)})
	}
	images, videos := countMediaTypes(content.Media)
	if videos > 0 {
		errs = append(errs, ValidationError{Field: "media", Message: "Bluesky posts do not support video"})
	}
	if images > blueskyImageLimit {
		errs = append(errs, ValidationError{Field: "media",
			Message: fmt.Sprintf("Bluesky posts allow at most %d images", blueskyImageLimit)})
	}
	return errs
}

type blueskySession struct {
	AccessJwt string `json:"accessJwt"`
	DID       string `json:"did"`
}

// ensureSession logs in with the app password and caches the JWT for the
// lifetime of this adapter instance.
func (a *blueskyAdapter) ensureSession(ctx context.Context) error {
	if a.accessJwt != "" {
		return nil
	}
	payload, err := json.Marshal(map[string]string{
		"identifier": a.identifier,
		"password":   a.appPassword,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequest("POST", a.serviceURL+"/xrpc/com.atproto.server.createSession", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := a.env.do(ctx, req)
	if err != nil {
		return err
	}
	b := readBody(res)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return &httpError{Status: res.StatusCode, Body: string(b), Hint: "createSession"}
	}
	var sess blueskySession
	if err := json.Unmarshal(b, &sess); err != nil || sess.AccessJwt == "" || sess.DID == "" {
		return fmt.Errorf("createSession: bad response: %s", truncate(string(b), 200))
	}
	a.accessJwt = sess.AccessJwt
	a.did = sess.DID
	return nil
}

// blueskyBlob is the opaque media id returned by UploadMedia: the blob
// reference the server handed back plus the image dimensions needed for the
// embed's aspectRatio.
type blueskyBlob struct {
	Blob   json.RawMessage `json:"blob"`
	Width  int             `json:"width"`
	Height int             `json:"height"`
}

func (a *blueskyAdapter) UploadMedia(ctx context.Context, asset models.MediaAsset) (string, error) {
	if err := a.ensureSession(ctx); err != nil {
		return "", err
	}
	data, err := a.env.readMediaFile(asset.StoragePath)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequest("POST", a.serviceURL+"/xrpc/com.atproto.repo.uploadBlob", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", asset.MimeType)
	req.Header.Set("Authorization", "Bearer "+a.accessJwt)
	res, err := a.env.do(ctx, req)
	if err != nil {
		return "", err
	}
	b := readBody(res)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", &httpError{Status: res.StatusCode, Body: string(b), Hint: "uploadBlob"}
	}
	var out struct {
		Blob json.RawMessage `json:"blob"`
	}
	if err := json.Unmarshal(b, &out); err != nil || len(out.Blob) == 0 {
		return "", fmt.Errorf("uploadBlob: bad response: %s", truncate(string(b), 200))
	}

	doc := blueskyBlob{Blob: out.Blob}
	if dims, err := mediameta.ImageDimensions(a.env.mediaFilePath(asset.StoragePath)); err == nil {
		doc.Width = dims.Width
		doc.Height = dims.Height
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func (a *blueskyAdapter) PublishPost(ctx context.Context, content ResolvedContent, mediaIDs []string) (string, error) {
	if err := a.ensureSession(ctx); err != nil {
		return "", err
	}

	record := map[string]interface{}{
		"$type":     "app.bsky.feed.post",
		"text":      content.Text,
		"createdAt": time.Now().UTC().Format(time.RFC3339),
	}
	if facets := a.buildFacets(ctx, content.Text); len(facets) > 0 {
		record["facets"] = facets
	}
	if langs := optionString(content.Options, "langs"); langs != "" {
		parts := strings.Split(langs, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		record["langs"] = parts
	}
	if len(mediaIDs) > 0 {
		images := make([]map[string]interface{}, 0, len(mediaIDs))
		for i, raw := range mediaIDs {
			var blob blueskyBlob
			if err := json.Unmarshal([]byte(raw), &blob); err != nil {
				return "", fmt.Errorf("bad uploaded blob reference: %w", err)
			}
			img := map[string]interface{}{
				"image": json.RawMessage(blob.Blob),
				"alt":   altText(content.Media, i),
			}
			if blob.Width > 0 && blob.Height > 0 {
				img["aspectRatio"] = map[string]int{"width": blob.Width, "height": blob.Height}
			}
			images = append(images, img)
		}
		record["embed"] = map[string]interface{}{
			"$type":  "app.bsky.embed.images",
			"images": images,
		}
	}

	payload, err := json.Marshal(map[string]interface{}{
		"repo":       a.did,
		"collection": "app.bsky.feed.post",
		"record":     record,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequest("POST", a.serviceURL+"/xrpc/com.atproto.repo.createRecord", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.accessJwt)
	res, err := a.env.do(ctx, req)
	if err != nil {
		return "", err
	}
	b := readBody(res)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", &httpError{Status: res.StatusCode, Body: string(b), Hint: "createRecord"}
	}
	var out struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(b, &out); err != nil || out.URI == "" {
		return "", fmt.Errorf("createRecord: bad response: %s", truncate(string(b), 200))
	}
	return out.URI, nil
}

func altText(media []models.MediaAsset, i int) string {
	if i < len(media) {
		return media[i].OriginalFilename
	}
	return ""
}

var (
	blueskyLinkRe    = regexp.MustCompile(`https?://[^\s<>"']+`)
	blueskyMentionRe = regexp.MustCompile(`@([a-zA-Z0-9][a-zA-Z0-9.-]*\.[a-zA-Z]{2,})`)
)

// buildFacets produces rich-text facets for links and mentions. Offsets are
// byte positions into the UTF-8 text, per the AT Protocol. Mentions that fail
// handle resolution are skipped rather than failing the publish.
func (a *blueskyAdapter) buildFacets(ctx context.Context, text string) []map[string]interface{} {
	var facets []map[string]interface{}
	for _, loc := range blueskyLinkRe.FindAllStringIndex(text, -1) {
		uri := strings.TrimRight(text[loc[0]:loc[1]], ".,;:!?)")
		facets = append(facets, map[string]interface{}{
			"index": map[string]int{"byteStart": loc[0], "byteEnd": loc[0] + len(uri)},
			"features": []map[string]interface{}{
				{"$type": "app.bsky.richtext.facet#link", "uri": uri},
			},
		})
	}
	for _, loc := range blueskyMentionRe.FindAllStringSubmatchIndex(text, -1) {
		handle := text[loc[2]:loc[3]]
		did, err := a.resolveHandle(ctx, handle)
		if err != nil {
			log.Printf("[Bluesky] handle_resolution_failed handle=%s err=%v", handle, err)
			continue
		}
		facets = append(facets, map[string]interface{}{
			"index": map[string]int{"byteStart": loc[0], "byteEnd": loc[1]},
			"features": []map[string]interface{}{
				{"$type": "app.bsky.richtext.facet#mention", "did": did},
			},
		})
	}
	return facets
}

func (a *blueskyAdapter) resolveHandle(ctx context.Context, handle string) (string, error) {
	endpoint := a.serviceURL + "/xrpc/com.atproto.identity.resolveHandle?handle=" + url.QueryEscape(handle)
	req, err := http.NewRequest("GET", endpoint, nil)
	if err != nil {
		return "", err
	}
	res, err := a.env.do(ctx, req)
	if err != nil {
		return "", err
	}
	b := readBody(res)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", &httpError{Status: res.StatusCode, Body: string(b), Hint: "resolveHandle"}
	}
	var out struct {
		DID string `json:"did"`
	}
	if err := json.Unmarshal(b, &out); err != nil || out.DID == "" {
		return "", fmt.Errorf("resolveHandle: bad response: %s", truncate(string(b), 200))
	}
	return out.DID, nil
}

func (a *blueskyAdapter) VerifyCredentials(ctx context.Context) error {
	return a.ensureSession(ctx)
}

func (a *blueskyAdapter) MapError(err error) PublishError {
	return classifyError(err)
}
