package scheduler

import (
	"fmt"
	"html"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"postflow/internal/domain"
)

// ScheduleRequest is an owner's request to publish or interact at a time.
type ScheduleRequest struct {
	OwnerID     string
	Platform    string
	Action      string
	Content     domain.Content
	TargetID    string
	Metadata    domain.Metadata
	ScheduledAt time.Time
	MaxRetries  int
}

// UpdateRequest edits a pending delivery. Nil fields are left unchanged.
type UpdateRequest struct {
	Content     *domain.Content
	Metadata    *domain.Metadata
	TargetID    *string
	ScheduledAt *time.Time
}

const maxMedia = 10

var strict = bluemonday.StrictPolicy()

// CleanText strips markup from post text. Entities are decoded afterwards so
// "&" stays "&" rather than "&amp;".
func CleanText(s string) string {
	return strings.TrimSpace(html.UnescapeString(strict.Sanitize(s)))
}

// normalize validates r and returns the delivery it describes. Only
// platforms in enabled are accepted.
func normalize(r ScheduleRequest, enabled map[domain.Platform]bool) (domain.Delivery, error) {
	var verr domain.ValidationError

	if strings.TrimSpace(r.OwnerID) == "" {
		verr.Add("owner_id", "is required")
	}
	platform, ok := domain.ParsePlatform(r.Platform)
	switch {
	case !ok:
		verr.Add("platform", fmt.Sprintf("unsupported platform %q", r.Platform))
	case !enabled[platform]:
		verr.Add("platform", fmt.Sprintf("no publisher is configured for %s", platform))
	}
	action, ok := domain.ParseAction(r.Action)
	if !ok {
		verr.Add("action", fmt.Sprintf("unsupported action %q", r.Action))
	}
	if r.ScheduledAt.IsZero() {
		verr.Add("scheduled_time", "is required")
	}
	if r.MaxRetries < 0 {
		verr.Add("max_retries", "must not be negative")
	}

	d := domain.Delivery{
		OwnerID:     strings.TrimSpace(r.OwnerID),
		Platform:    platform,
		Action:      action,
		Content:     domain.Content{Text: CleanText(r.Content.Text), Media: r.Content.Media},
		TargetID:    strings.TrimSpace(r.TargetID),
		Metadata:    r.Metadata,
		ScheduledAt: r.ScheduledAt,
		MaxRetries:  r.MaxRetries,
	}
	checkContent(&verr, d)
	return d, verr.Err()
}

// checkContent validates the parts of a delivery an owner may edit.
func checkContent(verr *domain.ValidationError, d domain.Delivery) {
	n := utf8.RuneCountInString(d.Content.Text)
	if limit := d.Platform.MaxTextLength(); limit > 0 && n > limit {
		verr.Add("content.text", fmt.Sprintf("exceeds %d characters for %s", limit, d.Platform))
	}
	switch {
	case d.Action == domain.ActionComment && n == 0:
		verr.Add("content.text", "is required for comments")
	case d.Action == domain.ActionPost && n == 0 && len(d.Content.Media) == 0:
		verr.Add("content", "text or media is required")
	}
	if d.Action.NeedsTarget() && d.TargetID == "" {
		verr.Add("target_id", "is required for "+string(d.Action))
	}

	if len(d.Content.Media) > maxMedia {
		verr.Add("content.media", fmt.Sprintf("at most %d items", maxMedia))
	}
	for i, m := range d.Content.Media {
		field := fmt.Sprintf("content.media[%d]", i)
		u, err := url.Parse(m.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			verr.Add(field+".url", "must be an absolute http(s) url")
		}
		switch m.Type {
		case domain.MediaImage, domain.MediaVideo, domain.MediaGIF:
		default:
			verr.Add(field+".type", "must be image, video or gif")
		}
	}
}
