// Package notify parses release-notification messages into release records.
// Parsing is pure: no I/O, and any message that does not match the expected
// announcement shape yields nil rather than an error, so one bad message can
// never abort a batch.
package notify

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Release is the parsed form of one notification message. Only URL is
// guaranteed; everything else is best-effort scraped from the message text.
type Release struct {
	PageName string
	Artist   string
	Title    string
	URL      string
	IsTrack  bool
}

const subjectPrefix = "new release from"

var (
	releasePhraseRe = regexp.MustCompile(`(?i)just\s+(?:released|announced)`)
	callToActionRe  = regexp.MustCompile(`(?i),\s*check it out here`)
)

// Parse extracts a release from one notification message. A nil return means
// the message is not a release announcement.
func Parse(htmlBody, subject string) *Release {
	// Only accept messages whose subject carries the release prefix.
	if subject != "" && !strings.HasPrefix(strings.ToLower(subject), subjectPrefix) {
		return nil
	}
	if strings.TrimSpace(htmlBody) == "" {
		return nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlBody))
	if err != nil {
		return nil
	}

	releaseURL := findReleaseURL(doc)
	if releaseURL == "" {
		return nil
	}

	rel := &Release{
		URL:     releaseURL,
		IsTrack: strings.Contains(releaseURL, "bandcamp.com/track"),
		Title:   italicTitle(doc),
	}
	fillPageAndArtist(rel, doc)
	return rel
}

// findReleaseURL returns the first anchor pointing at a release page, with
// query and fragment stripped.
func findReleaseURL(doc *goquery.Document) string {
	var found string
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		if !strings.Contains(href, "bandcamp.com") {
			return true
		}
		if !strings.Contains(href, "/album/") && !strings.Contains(href, "/track/") {
			return true
		}
		u, err := url.Parse(href)
		if err != nil {
			return true
		}
		u.RawQuery = ""
		u.Fragment = ""
		found = u.String()
		return false
	})
	return found
}

// italicTitle returns the text of the first italicized span; the announcement
// body italicizes only the release title.
func italicTitle(doc *goquery.Document) string {
	var title string
	doc.Find("span[style]").EachWithBreak(func(_ int, span *goquery.Selection) bool {
		style, _ := span.Attr("style")
		if !strings.Contains(style, "font-style: italic") {
			return true
		}
		title = collapseSpace(span.Text())
		return false
	})
	return title
}

// fillPageAndArtist scrapes the page and artist names out of the flattened
// message text. Expected shapes, after dropping the greeting and the trailing
// call to action:
//
//	<page_name> just released <title>
//	<page_name> just released <title> by <artist_name>
//
// with "just announced" as an accepted variant.
func fillPageAndArtist(rel *Release, doc *goquery.Document) {
	full := collapseSpace(doc.Text())

	if strings.HasPrefix(strings.ToLower(full), "greetings ") {
		if _, rest, ok := strings.Cut(full, ","); ok {
			full = strings.TrimSpace(rest)
		}
	}
	if loc := callToActionRe.FindStringIndex(full); loc != nil {
		full = strings.TrimSpace(full[:loc[0]])
	}

	loc := releasePhraseRe.FindStringIndex(full)
	if loc == nil {
		return
	}
	if before := strings.TrimSpace(full[:loc[0]]); before != "" {
		rel.PageName = before
	}
	after := strings.TrimSpace(full[loc[1]:])

	if rel.Title != "" {
		byRe := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(rel.Title) + `\s+by\s+(.+)$`)
		if m := byRe.FindStringSubmatch(after); m != nil {
			rel.Artist = strings.TrimSpace(m[1])
		}
	}
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
