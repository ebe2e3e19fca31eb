// Package gmail talks to the Gmail REST API as bcfeed's mail source. The
// engine only sees the Source interface; everything Gmail-specific (message
// payload walking, body decoding, OAuth token care) stays in here.
package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/quotedprintable"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// Message is one raw inbox message as delivered by the mail source.
type Message struct {
	HTML    string
	Subject string
	Date    time.Time
}

// Source yields candidate notification messages for a calendar day.
type Source interface {
	MessagesForDay(ctx context.Context, day time.Time) ([]Message, error)
}

const defaultBaseURL = "https://gmail.googleapis.com/gmail/v1"

// Client fetches release-notification messages over the Gmail REST API.
type Client struct {
	httpc   *http.Client
	baseURL string
}

// NewClient builds a mail client from saved credentials. Fails with
// NotConfiguredError when credentials or token are missing.
func NewClient(ctx context.Context, mgr *Manager) (*Client, error) {
	httpc, err := mgr.HTTPClient(ctx)
	if err != nil {
		return nil, err
	}
	return &Client{httpc: httpc, baseURL: defaultBaseURL}, nil
}

type listResponse struct {
	Messages      []struct{ ID string }
	NextPageToken string
}

type messagePart struct {
	MimeType string        `json:"mimeType"`
	Body     struct{ Data string } `json:"body"`
	Parts    []messagePart `json:"parts"`
	Headers  []struct{ Name, Value string } `json:"headers"`
}

type fullMessage struct {
	Payload messagePart `json:"payload"`
}

// MessagesForDay searches the inbox for release announcements delivered on
// the given day and downloads each in full.
func (c *Client) MessagesForDay(ctx context.Context, day time.Time) ([]Message, error) {
	query := fmt.Sprintf(
		`from:noreply@bandcamp.com subject:"New release from" after:%s before:%s`,
		day.Format("2006/01/02"), day.AddDate(0, 0, 1).Format("2006/01/02"),
	)

	ids, err := c.searchMessages(ctx, query)
	if err != nil {
		return nil, err
	}

	messages := make([]Message, 0, len(ids))
	for _, id := range ids {
		msg, err := c.getMessage(ctx, id)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, nil
}

func (c *Client) searchMessages(ctx context.Context, query string) ([]string, error) {
	var ids []string
	pageToken := ""
	for {
		u := fmt.Sprintf("%s/users/me/messages?q=%s", c.baseURL, url.QueryEscape(query))
		if pageToken != "" {
			u += "&pageToken=" + url.QueryEscape(pageToken)
		}
		var list listResponse
		if err := c.getJSON(ctx, u, &list); err != nil {
			return nil, fmt.Errorf("search messages: %w", err)
		}
		for _, m := range list.Messages {
			ids = append(ids, m.ID)
		}
		if list.NextPageToken == "" {
			return ids, nil
		}
		pageToken = list.NextPageToken
	}
}

func (c *Client) getMessage(ctx context.Context, id string) (*Message, error) {
	u := fmt.Sprintf("%s/users/me/messages/%s?format=full", c.baseURL, url.PathEscape(id))
	var full fullMessage
	if err := c.getJSON(ctx, u, &full); err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}

	msg := &Message{HTML: htmlFromPart(&full.Payload)}
	for _, h := range full.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "subject":
			msg.Subject = h.Value
		case "date":
			if parsed, err := dateparse.ParseAny(h.Value); err == nil {
				msg.Date = parsed
			}
		}
	}
	return msg, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return &NotConfiguredError{Reason: "mail access revoked; reload credentials in the settings panel and re-authorize"}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("mail source returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// htmlFromPart walks a message payload depth-first for the first text/html
// body and decodes it.
func htmlFromPart(part *messagePart) string {
	if part.MimeType == "text/html" && part.Body.Data != "" {
		return decodeBody(part.Body.Data)
	}
	for i := range part.Parts {
		if html := htmlFromPart(&part.Parts[i]); html != "" {
			return html
		}
	}
	return ""
}

// decodeBody reverses Gmail's base64url body encoding. Some messages carry
// quoted-printable text inside the HTML part; decode that too when it holds.
func decodeBody(data string) string {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return ""
	}
	if decoded, err := io.ReadAll(quotedprintable.NewReader(strings.NewReader(string(raw)))); err == nil {
		return string(decoded)
	}
	return string(raw)
}
