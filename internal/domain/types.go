package domain

import (
	"strings"
	"time"
)

type Platform string

const (
	PlatformTwitter   Platform = "twitter"
	PlatformLinkedIn  Platform = "linkedin"
	PlatformInstagram Platform = "instagram"
	PlatformTelegram  Platform = "telegram"
)

// Platforms lists every supported platform in a stable order.
var Platforms = []Platform{PlatformTwitter, PlatformLinkedIn, PlatformInstagram, PlatformTelegram}

var maxTextLength = map[Platform]int{
	PlatformTwitter:   280,
	PlatformLinkedIn:  3000,
	PlatformInstagram: 2200,
	PlatformTelegram:  4096,
}

func ParsePlatform(s string) (Platform, bool) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	_, ok := maxTextLength[p]
	return p, ok
}

// MaxTextLength is the longest post text (in runes) the platform accepts.
func (p Platform) MaxTextLength() int { return maxTextLength[p] }

func (p Platform) String() string { return string(p) }

type Action string

const (
	ActionPost    Action = "post"
	ActionLike    Action = "like"
	ActionComment Action = "comment"
	ActionFollow  Action = "follow"
	ActionRetweet Action = "retweet"
)

func ParseAction(s string) (Action, bool) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case "":
		return ActionPost, true
	case ActionPost, ActionLike, ActionComment, ActionFollow, ActionRetweet:
		return a, true
	}
	return a, false
}

// NeedsTarget reports whether the action points at existing platform content or a user.
func (a Action) NeedsTarget() bool { return a != ActionPost }

type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
	MediaGIF   MediaType = "gif"
)

type Media struct {
	URL  string    `json:"url"`
	Type MediaType `json:"type,omitempty"`
}

type Content struct {
	Text  string  `json:"text"`
	Media []Media `json:"media,omitempty"`
}

type Metadata struct {
	Hashtags []string `json:"hashtags,omitempty"`
	Mentions []string `json:"mentions,omitempty"`
	Location string   `json:"location,omitempty"`
	ReplyTo  string   `json:"reply_to,omitempty"`
}

// ErrorDetail is set on a delivery once it has failed for good. Earlier
// failures are kept in the attempt log.
type ErrorDetail struct {
	Message string    `json:"message"`
	Code    string    `json:"code"`
	At      time.Time `json:"timestamp"`
}

const DefaultMaxRetries = 3

// Delivery is one scheduled unit of work and its lifecycle.
type Delivery struct {
	ID            string       `json:"id"`
	OwnerID       string       `json:"owner_id"`
	Platform      Platform     `json:"platform"`
	Action        Action       `json:"action"`
	Content       Content      `json:"content"`
	TargetID      string       `json:"target_id,omitempty"`
	Metadata      Metadata     `json:"metadata"`
	ScheduledAt   time.Time    `json:"scheduled_time"`
	NextAttemptAt time.Time    `json:"next_attempt_at"`
	Status        Status       `json:"status"`
	ResultID      string       `json:"result_id,omitempty"`
	PostedAt      *time.Time   `json:"posted_at,omitempty"`
	Error         *ErrorDetail `json:"error,omitempty"`
	RetryCount    int          `json:"retry_count"`
	MaxRetries    int          `json:"max_retries"`
	WorkItemID    string       `json:"work_item_id,omitempty"`
	Version       int64        `json:"version"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Attempt is one publisher invocation for a delivery.
type Attempt struct {
	ID         string        `json:"id"`
	DeliveryID string        `json:"delivery_id"`
	Number     int           `json:"number"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
	Code       string        `json:"code,omitempty"`
	RetryDelay time.Duration `json:"retry_delay"`
}

// Filter narrows List queries. Zero values mean "no constraint".
type Filter struct {
	Platform  Platform
	Status    Status
	StartDate time.Time
	EndDate   time.Time
	Limit     int
}

const DefaultListLimit = 50

// PublishRequest is what a publisher receives for one attempt.
type PublishRequest struct {
	DeliveryID string
	OwnerID    string
	Platform   Platform
	Action     Action
	Content    Content
	TargetID   string
	Metadata   Metadata
	Attempt    int
}

func (d Delivery) PublishRequest() PublishRequest {
	return PublishRequest{
		DeliveryID: d.ID,
		OwnerID:    d.OwnerID,
		Platform:   d.Platform,
		Action:     d.Action,
		Content:    d.Content,
		TargetID:   d.TargetID,
		Metadata:   d.Metadata,
		Attempt:    d.RetryCount + 1,
	}
}
