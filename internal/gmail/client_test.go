package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func b64(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func messageJSON(id, subject, date, html string) string {
	return fmt.Sprintf(`{
		"payload": {
			"mimeType": "multipart/alternative",
			"headers": [
				{"name": "Subject", "value": %q},
				{"name": "Date", "value": %q}
			],
			"parts": [
				{"mimeType": "text/plain", "body": {"data": %q}},
				{"mimeType": "text/html", "body": {"data": %q}}
			]
		}
	}`, subject, date, b64("plain"), b64(html))
}

func TestMessagesForDay(t *testing.T) {
	const html = `<html><body><a href="https://p.bandcamp.com/album/x">x</a></body></html>`

	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/users/me/messages":
			queries = append(queries, r.URL.Query().Get("q"))
			if r.URL.Query().Get("pageToken") == "" {
				fmt.Fprint(w, `{"messages":[{"id":"m1"}],"nextPageToken":"p2"}`)
			} else {
				fmt.Fprint(w, `{"messages":[{"id":"m2"}]}`)
			}
		case strings.HasPrefix(r.URL.Path, "/users/me/messages/"):
			id := strings.TrimPrefix(r.URL.Path, "/users/me/messages/")
			fmt.Fprint(w, messageJSON(id, "New release from P", "Mon, 01 Jan 2024 10:00:00 +0000", html))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := &Client{httpc: srv.Client(), baseURL: srv.URL}
	day, _ := time.Parse("2006-01-02", "2024-01-01")
	messages, err := c.MessagesForDay(context.Background(), day)
	if err != nil {
		t.Fatalf("MessagesForDay failed: %v", err)
	}

	if len(messages) != 2 {
		t.Fatalf("expected 2 messages across pages, got %d", len(messages))
	}
	if messages[0].Subject != "New release from P" {
		t.Errorf("subject: %q", messages[0].Subject)
	}
	if messages[0].HTML != html {
		t.Errorf("html body: %q", messages[0].HTML)
	}
	if messages[0].Date.Format("2006-01-02") != "2024-01-01" {
		t.Errorf("date: %v", messages[0].Date)
	}

	if len(queries) != 2 {
		t.Fatalf("expected 2 search calls, got %d", len(queries))
	}
	q := queries[0]
	for _, want := range []string{"from:noreply@bandcamp.com", `subject:"New release from"`, "after:2024/01/01", "before:2024/01/02"} {
		if !strings.Contains(q, want) {
			t.Errorf("query %q missing %q", q, want)
		}
	}
}

func TestMessagesForDayUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := &Client{httpc: srv.Client(), baseURL: srv.URL}
	_, err := c.MessagesForDay(context.Background(), time.Now())
	var notConfigured *NotConfiguredError
	if !errors.As(err, &notConfigured) {
		t.Errorf("401 should surface as NotConfiguredError, got %v", err)
	}
}

func TestHTMLFromPartNested(t *testing.T) {
	part := &messagePart{
		MimeType: "multipart/mixed",
		Parts: []messagePart{
			{MimeType: "text/plain", Body: struct{ Data string }{Data: b64("plain")}},
			{
				MimeType: "multipart/alternative",
				Parts: []messagePart{
					{MimeType: "text/html", Body: struct{ Data string }{Data: b64("<p>hi</p>")}},
				},
			},
		},
	}
	if got := htmlFromPart(part); got != "<p>hi</p>" {
		t.Errorf("nested html: %q", got)
	}
}

func TestDecodeBody(t *testing.T) {
	// Plain base64url body.
	if got := decodeBody(b64("<p>plain</p>")); got != "<p>plain</p>" {
		t.Errorf("plain body: %q", got)
	}
	// Quoted-printable inside the decoded body.
	if got := decodeBody(b64("caf=C3=A9")); got != "café" {
		t.Errorf("quoted-printable body: %q", got)
	}
	// HTML with bare equals signs must survive the quoted-printable attempt.
	raw := `<span style="font-style: italic;">t</span>`
	if got := decodeBody(b64(raw)); got != raw {
		t.Errorf("html with attributes: %q", got)
	}
	// Padded base64 still decodes.
	padded := base64.URLEncoding.EncodeToString([]byte("ab"))
	if got := decodeBody(padded); got != "ab" {
		t.Errorf("padded body: %q", got)
	}
	if got := decodeBody("!!!not base64!!!"); got != "" {
		t.Errorf("invalid body: %q", got)
	}
}
