// Package telegram publishes posts to a Telegram channel or chat through the
// Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"postflow/internal/domain"
	"postflow/internal/retry"
)

type Config struct {
	Token string
	// ChatID is the default destination when a delivery has no target.
	ChatID int64
	// APIURL overrides the Bot API endpoint.
	APIURL string
}

type Publisher struct {
	bot    *tele.Bot
	chatID int64
}

func New(cfg Config) (*Publisher, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token: cfg.Token,
		URL:   cfg.APIURL,
		// Publishing only; no updates are polled and getMe is skipped.
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Publisher{bot: b, chatID: cfg.ChatID}, nil
}

func (p *Publisher) Publish(ctx context.Context, req domain.PublishRequest) (string, error) {
	if req.Action != domain.ActionPost {
		return "", retry.Permanent(retry.WithCode(fmt.Errorf("telegram does not support %s", req.Action), "UNSUPPORTED_ACTION"))
	}
	chatID := p.chatID
	if req.TargetID != "" {
		id, err := strconv.ParseInt(req.TargetID, 10, 64)
		if err != nil {
			return "", retry.Permanent(fmt.Errorf("telegram chat id %q: %w", req.TargetID, err))
		}
		chatID = id
	}
	if chatID == 0 {
		return "", retry.Permanent(errors.New("telegram chat id is not configured"))
	}

	type result struct {
		msg *tele.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := p.send(&tele.Chat{ID: chatID}, req)
		done <- result{msg, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-done:
		if r.err != nil {
			return "", classify(r.err)
		}
		return strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(r.msg.ID), nil
	}
}

// send delivers the text, a single media item with the text as caption, or
// an album. Albums go out in one sendMediaGroup call so a failed attempt
// never leaves part of the post published. The first message identifies the
// post.
func (p *Publisher) send(chat *tele.Chat, req domain.PublishRequest) (*tele.Message, error) {
	text := Compose(req.Content.Text, req.Metadata)
	opts := &tele.SendOptions{}
	if req.Metadata.ReplyTo != "" {
		if id, err := strconv.Atoi(req.Metadata.ReplyTo); err == nil {
			opts.ReplyTo = &tele.Message{ID: id, Chat: chat}
		}
	}

	media := req.Content.Media
	switch len(media) {
	case 0:
		return p.bot.Send(chat, text, opts)
	case 1:
		return p.bot.Send(chat, sendable(media[0], text), opts)
	}

	album := make(tele.Album, 0, len(media))
	for i, m := range media {
		caption := ""
		if i == 0 {
			caption = text
		}
		album = append(album, albumItem(m, caption))
	}
	msgs, err := p.bot.SendAlbum(chat, album, opts)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, errors.New("telegram returned an empty album")
	}
	return &msgs[0], nil
}

func sendable(m domain.Media, caption string) tele.Sendable {
	file := tele.FromURL(m.URL)
	switch m.Type {
	case domain.MediaVideo:
		return &tele.Video{File: file, Caption: caption}
	case domain.MediaGIF:
		return &tele.Animation{File: file, Caption: caption}
	}
	return &tele.Photo{File: file, Caption: caption}
}

// albumItem maps media to a media group entry. Media groups have no
// animation type, so GIFs travel as video.
func albumItem(m domain.Media, caption string) tele.Inputtable {
	file := tele.FromURL(m.URL)
	switch m.Type {
	case domain.MediaVideo, domain.MediaGIF:
		return &tele.Video{File: file, Caption: caption}
	}
	return &tele.Photo{File: file, Caption: caption}
}

// Compose appends hashtags and location to the post text.
func Compose(text string, md domain.Metadata) string {
	var b strings.Builder
	b.WriteString(text)
	if len(md.Hashtags) > 0 {
		b.WriteString("\n\n")
		for i, h := range md.Hashtags {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteString("#" + strings.TrimPrefix(h, "#"))
		}
	}
	if md.Location != "" {
		b.WriteString("\n📍 " + md.Location)
	}
	return b.String()
}

func classify(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return retry.RetryAfter(retry.WithCode(err, "RATE_LIMITED"), time.Duration(flood.RetryAfter)*time.Second)
	}
	code := 0
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		code = apiErr.Code
	} else if m := apiCode.FindStringSubmatch(err.Error()); m != nil {
		code, _ = strconv.Atoi(m[1])
	}
	switch code {
	case 400, 401, 403, 404:
		return retry.Permanent(retry.WithCode(err, "TELEGRAM_"+strconv.Itoa(code)))
	case 429:
		return retry.WithCode(err, "RATE_LIMITED")
	}
	return err
}

// apiCode matches the "(403)" suffix of Bot API errors telebot does not map
// to a predefined error.
var apiCode = regexp.MustCompile(`\((\d{3})\)$`)
