// Package http publishes deliveries to a platform's REST gateway.
//
// Each action is a JSON POST to {BaseURL}/{action}. The response id is read
// from a dotted path in the JSON body (default "id", e.g. "data.id" for
// APIs that nest it).
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"postflow/internal/domain"
	"postflow/internal/retry"
)

// Credentials resolves the bearer token used for an owner on a platform.
type Credentials interface {
	Token(ctx context.Context, ownerID string, p domain.Platform) (string, error)
}

// StaticCredentials uses one token per platform for every owner.
type StaticCredentials map[domain.Platform]string

func (s StaticCredentials) Token(_ context.Context, _ string, p domain.Platform) (string, error) {
	tok := s[p]
	if tok == "" {
		return "", fmt.Errorf("no token configured for %s", p)
	}
	return tok, nil
}

type Gateway struct {
	Platform    domain.Platform
	BaseURL     string
	IDField     string
	Credentials Credentials
	Client      *http.Client
}

type Request struct {
	DeliveryID string          `json:"delivery_id"`
	Action     domain.Action   `json:"action"`
	Text       string          `json:"text,omitempty"`
	Media      []domain.Media  `json:"media,omitempty"`
	TargetID   string          `json:"target_id,omitempty"`
	Metadata   domain.Metadata `json:"metadata"`
}

const maxErrorBody = 512

func (g Gateway) Publish(ctx context.Context, req domain.PublishRequest) (string, error) {
	if g.BaseURL == "" {
		return "", retry.Permanent(fmt.Errorf("%s gateway: base url is required", g.Platform))
	}
	payload, err := json.Marshal(Request{
		DeliveryID: req.DeliveryID,
		Action:     req.Action,
		Text:       req.Content.Text,
		Media:      req.Content.Media,
		TargetID:   req.TargetID,
		Metadata:   req.Metadata,
	})
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("encode request: %w", err))
	}

	url := strings.TrimRight(g.BaseURL, "/") + "/" + string(req.Action)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	// Lets the platform drop a duplicate if a previous attempt did land.
	httpReq.Header.Set("Idempotency-Key", req.DeliveryID)
	if g.Credentials != nil {
		tok, err := g.Credentials.Token(ctx, req.OwnerID, req.Platform)
		if err != nil {
			return "", retry.Permanent(retry.WithCode(err, "AUTH_ERROR"))
		}
		httpReq.Header.Set("Authorization", "Bearer "+tok)
	}

	client := g.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	if err := classify(resp, body); err != nil {
		return "", err
	}

	id, err := extractID(body, g.IDField)
	if err != nil {
		return "", retry.Permanent(retry.WithCode(err, "BAD_RESPONSE"))
	}
	return id, nil
}

// classify maps HTTP status codes onto retry semantics: auth and validation
// failures are permanent, 429 carries Retry-After, everything else is retried.
func classify(resp *http.Response, body []byte) error {
	if resp.StatusCode < 400 {
		return nil
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}
	err := fmt.Errorf("HTTP %d error: %s", resp.StatusCode, msg)

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return retry.Permanent(retry.WithCode(err, "AUTH_ERROR"))
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusRequestEntityTooLarge:
		return retry.Permanent(retry.WithCode(err, "REJECTED"))
	case http.StatusTooManyRequests:
		return retry.RetryAfter(retry.WithCode(err, "RATE_LIMITED"), retryAfter(resp.Header.Get("Retry-After")))
	}
	return retry.WithCode(err, "HTTP_"+strconv.Itoa(resp.StatusCode))
}

func retryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// extractID walks a dotted path like "data.id" through a JSON object.
func extractID(body []byte, path string) (string, error) {
	if path == "" {
		path = "id"
	}
	var cur any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&cur); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	for _, key := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return "", fmt.Errorf("response field %q: not an object", path)
		}
		cur, ok = obj[key]
		if !ok {
			return "", fmt.Errorf("response field %q missing", path)
		}
	}
	switch v := cur.(type) {
	case string:
		if v == "" {
			return "", errors.New("response id is empty")
		}
		return v, nil
	case json.Number:
		return v.String(), nil
	}
	return "", fmt.Errorf("response field %q: unexpected type %T", path, cur)
}
