package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"postflow/internal/domain"
	"postflow/internal/retry"
)

// fakeAPI answers Bot API calls with the given JSON body and records requests.
func fakeAPI(t *testing.T, reply string) (*httptest.Server, *[]string) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.URL.Path)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestPublishText(t *testing.T) {
	srv, calls := fakeAPI(t, `{"ok":true,"result":{"message_id":42,"date":1700000000,"chat":{"id":-1001,"type":"channel"}}}`)
	p, err := New(Config{Token: "123:abc", ChatID: -1001, APIURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id, err := p.Publish(context.Background(), domain.PublishRequest{
		DeliveryID: "dlv_1",
		Platform:   domain.PlatformTelegram,
		Action:     domain.ActionPost,
		Content:    domain.Content{Text: "release day"},
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if id != "-1001:42" {
		t.Fatalf("id = %q", id)
	}
	if len(*calls) != 1 || !strings.HasSuffix((*calls)[0], "/sendMessage") {
		t.Fatalf("calls = %v", *calls)
	}
}

func TestPublishAlbumIsOneCall(t *testing.T) {
	srv, calls := fakeAPI(t, `{"ok":true,"result":[
		{"message_id":10,"date":1700000000,"chat":{"id":-1001,"type":"channel"}},
		{"message_id":11,"date":1700000000,"chat":{"id":-1001,"type":"channel"}}]}`)
	p, err := New(Config{Token: "123:abc", ChatID: -1001, APIURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id, err := p.Publish(context.Background(), domain.PublishRequest{
		Action: domain.ActionPost,
		Content: domain.Content{Text: "gallery", Media: []domain.Media{
			{URL: "https://cdn.example.com/a.png", Type: domain.MediaImage},
			{URL: "https://cdn.example.com/b.mp4", Type: domain.MediaVideo},
		}},
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if id != "-1001:10" {
		t.Fatalf("id = %q", id)
	}
	if len(*calls) != 1 || !strings.HasSuffix((*calls)[0], "/sendMediaGroup") {
		t.Fatalf("calls = %v", *calls)
	}
}

func TestPublishAlbumFailureSendsNothingElse(t *testing.T) {
	srv, calls := fakeAPI(t, `{"ok":false,"error_code":500,"description":"Internal Server Error"}`)
	p, _ := New(Config{Token: "123:abc", ChatID: -1001, APIURL: srv.URL})

	_, err := p.Publish(context.Background(), domain.PublishRequest{
		Action: domain.ActionPost,
		Content: domain.Content{Media: []domain.Media{
			{URL: "https://cdn.example.com/a.png", Type: domain.MediaImage},
			{URL: "https://cdn.example.com/b.gif", Type: domain.MediaGIF},
		}},
	})
	if err == nil || retry.IsPermanent(err) {
		t.Fatalf("err = %v, want retryable", err)
	}
	if len(*calls) != 1 {
		t.Fatalf("calls = %v, want a single album request", *calls)
	}
}

func TestPublishFloodIsRetryAfter(t *testing.T) {
	body, _ := json.Marshal(map[string]any{
		"ok":          false,
		"error_code":  429,
		"description": "Too Many Requests: retry after 7",
		"parameters":  map[string]any{"retry_after": 7},
	})
	srv, _ := fakeAPI(t, string(body))
	p, _ := New(Config{Token: "123:abc", ChatID: 1, APIURL: srv.URL})

	_, err := p.Publish(context.Background(), domain.PublishRequest{Action: domain.ActionPost, Content: domain.Content{Text: "x"}})
	if err == nil || retry.IsPermanent(err) {
		t.Fatalf("err = %v, want retryable", err)
	}
	if retry.CodeOf(err) != "RATE_LIMITED" {
		t.Fatalf("code = %q", retry.CodeOf(err))
	}
}

func TestPublishRejectsInteractions(t *testing.T) {
	srv, calls := fakeAPI(t, `{"ok":true}`)
	p, _ := New(Config{Token: "123:abc", ChatID: 1, APIURL: srv.URL})

	_, err := p.Publish(context.Background(), domain.PublishRequest{Action: domain.ActionLike, TargetID: "5"})
	if !retry.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
	if len(*calls) != 0 {
		t.Fatal("API called for unsupported action")
	}
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestCompose(t *testing.T) {
	t.Parallel()
	got := Compose("hi", domain.Metadata{Hashtags: []string{"go", "#release"}, Location: "Berlin"})
	want := "hi\n\n#go #release\n📍 Berlin"
	if got != want {
		t.Fatalf("Compose = %q, want %q", got, want)
	}
	if Compose("plain", domain.Metadata{}) != "plain" {
		t.Fatal("empty metadata must not change text")
	}
}
