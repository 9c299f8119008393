// Package discord delivers notifications through a Discord webhook.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/MinnDevelopment/strumbot/internal/twitch"
	"github.com/MinnDevelopment/strumbot/internal/watcher"
)

// Accepts the canonical webhook URL shapes, including the legacy discordapp
// domain and an optional API version segment.
var webhookPattern = regexp.MustCompile(`^https://(?:[a-z]+\.)?discord(?:app)?\.com/api(?:/v\d+)?/webhooks/(\d+)/([\w-]+)$`)

const embedColor = 0x6441A4 // twitch purple

// ParseWebhookURL validates the configured webhook URL and returns its id
// and token.
func ParseWebhookURL(rawURL string) (id, token string, err error) {
	m := webhookPattern.FindStringSubmatch(strings.TrimSpace(rawURL))
	if m == nil {
		return "", "", fmt.Errorf("invalid webhook url: %q", rawURL)
	}
	return m[1], m[2], nil
}

// WebhookClient implements watcher.Sink by executing the webhook with an
// embed per notification. Thumbnails ride along as a multipart attachment.
type WebhookClient struct {
	url       string
	username  string
	avatarURL string
	http      *http.Client
}

func NewWebhookClient(rawURL, username, avatarURL string) (*WebhookClient, error) {
	id, token, err := ParseWebhookURL(rawURL)
	if err != nil {
		return nil, err
	}
	return &WebhookClient{
		url:       fmt.Sprintf("https://discord.com/api/v10/webhooks/%s/%s", id, token),
		username:  username,
		avatarURL: avatarURL,
		http:      &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type webhookPayload struct {
	Username  string  `json:"username,omitempty"`
	AvatarURL string  `json:"avatar_url,omitempty"`
	Content   string  `json:"content,omitempty"`
	Embeds    []embed `json:"embeds"`
}

type embed struct {
	Title     string       `json:"title,omitempty"`
	URL       string       `json:"url,omitempty"`
	Color     int          `json:"color"`
	Timestamp string       `json:"timestamp,omitempty"`
	Author    *embedAuthor `json:"author,omitempty"`
	Image     *embedImage  `json:"image,omitempty"`
	Fields    []embedField `json:"fields,omitempty"`
}

type embedAuthor struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

type embedImage struct {
	URL string `json:"url"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

func (c *WebhookClient) Send(ctx context.Context, n watcher.Notification) error {
	payload := webhookPayload{
		Username:  c.username,
		AvatarURL: c.avatarURL,
		Content:   n.Content,
		Embeds:    []embed{buildEmbed(n)},
	}

	var body io.Reader
	var contentType string
	if len(n.Episode.Thumbnail) > 0 {
		payload.Embeds[0].Image = &embedImage{URL: "attachment://thumbnail.jpg"}
		b, ct, err := multipartBody(payload, n.Episode.Thumbnail)
		if err != nil {
			return err
		}
		body, contentType = b, ct
	} else {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode webhook payload: %w", err)
		}
		body, contentType = bytes.NewReader(b), "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook execution failed: %w", &twitch.HTTPError{Status: resp.StatusCode})
	}
	return nil
}

func buildEmbed(n watcher.Notification) embed {
	ep := n.Episode
	e := embed{
		Title:  ep.Title,
		URL:    ep.URL,
		Color:  embedColor,
		Author: &embedAuthor{Name: ep.Channel, URL: "https://www.twitch.tv/" + strings.ToLower(ep.Channel)},
	}
	if !ep.StartedAt.IsZero() {
		e.Timestamp = ep.StartedAt.Format(time.RFC3339)
	}
	if ep.Category != "" {
		e.Fields = append(e.Fields, embedField{Name: "Game", Value: ep.Category, Inline: true})
	}
	if ep.Duration != "" {
		e.Fields = append(e.Fields, embedField{Name: "Duration", Value: ep.Duration, Inline: true})
	}
	for _, f := range ep.Index {
		e.Fields = append(e.Fields, embedField{Name: f.Name, Value: f.Value})
	}
	if len(ep.Clips) > 0 {
		var lines []string
		for _, clip := range ep.Clips {
			lines = append(lines, fmt.Sprintf("[%s](%s)", clip.Title, clip.URL))
		}
		e.Fields = append(e.Fields, embedField{Name: "Top Clips", Value: strings.Join(lines, "\n")})
	}
	return e
}

func multipartBody(payload webhookPayload, thumbnail []byte) (io.Reader, string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("payload_json", string(raw)); err != nil {
		return nil, "", err
	}
	fw, err := mw.CreateFormFile("files[0]", "thumbnail.jpg")
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(thumbnail); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}
