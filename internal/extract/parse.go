package extract

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/sentiment-ingest/internal/identity"
)

// Selectors locate thread fields in the rendered page.
type Selectors struct {
	Title         string
	Body          string
	PostedAt      string
	Author        string
	ReplyBody     string
	ReplyPostedAt string
	ReplyAuthor   string
}

// DefaultSelectors match the current forum markup.
var DefaultSelectors = Selectors{
	Title:         "shreddit-post > h1",
	Body:          "div.text-neutral-content",
	PostedAt:      "shreddit-post time[datetime]",
	Author:        "a.author-name",
	ReplyBody:     "div#-post-rtjson-content",
	ReplyPostedAt: "time[datetime]",
	ReplyAuthor:   "a[aria-haspopup='dialog'].font-bold",
}

// truncationMarker is appended to bodies cut at the length limit.
const truncationMarker = "..."

type thread struct {
	title    string
	body     string
	postedAt time.Time
	author   string
	replies  []reply
}

type reply struct {
	body     string
	postedAt time.Time
	author   string
}

// Truncate cuts s to limit runes and appends "..." when it was longer.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + truncationMarker
}

func parseThread(doc *goquery.Document, sel Selectors, maxBody int) (thread, error) {
	var t thread

	titleSel := doc.Find(sel.Title).First()
	if titleSel.Length() == 0 {
		return t, fmt.Errorf("%w: title %q not found", ErrShapeMismatch, sel.Title)
	}
	t.title = strings.TrimSpace(titleSel.Text())

	t.body = Truncate(joinParagraphs(doc.Find(sel.Body).First()), maxBody)

	postedAt, err := parseTimestamp(doc.Find(sel.PostedAt).First())
	if err != nil {
		return t, fmt.Errorf("thread timestamp: %w", err)
	}
	t.postedAt = postedAt

	t.author = identity.UnknownAuthor
	if a := doc.Find(sel.Author).First(); a.Length() > 0 {
		t.author = identity.Normalize(a.Text())
	}

	var replyErr error
	doc.Find(sel.ReplyBody).EachWithBreak(func(i int, container *goquery.Selection) bool {
		box := container.Parent().Parent()
		r := reply{
			body:   joinParagraphs(container),
			author: identity.UnknownAuthor,
		}
		r.postedAt, replyErr = parseTimestamp(box.Find(sel.ReplyPostedAt).First())
		if replyErr != nil {
			replyErr = fmt.Errorf("reply %d timestamp: %w", i, replyErr)
			return false
		}
		if a := box.Find(sel.ReplyAuthor).First(); a.Length() > 0 {
			r.author = identity.Normalize(strings.Join(strings.Fields(a.Text()), ""))
		}
		t.replies = append(t.replies, r)
		return true
	})
	if replyErr != nil {
		return t, replyErr
	}
	return t, nil
}

func joinParagraphs(s *goquery.Selection) string {
	var parts []string
	s.Find("p").Each(func(_ int, p *goquery.Selection) {
		parts = append(parts, p.Text())
	})
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

func parseTimestamp(s *goquery.Selection) (time.Time, error) {
	raw, ok := s.Attr("datetime")
	if !ok {
		return time.Time{}, fmt.Errorf("%w: datetime attribute missing", ErrShapeMismatch)
	}
	// RFC 3339 parsing accepts the optional fractional seconds.
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: datetime %q: %w", ErrParse, raw, err)
	}
	return ts.UTC(), nil
}
