package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/solvewatch/solvewatch/internal/api"
)

const refreshPath = "/users/login/refresh/"

// RefreshError means the session could not be renewed. It is fatal: the caller
// must tear the session down, there is no retry that can help.
type RefreshError struct {
	Status int // HTTP status, 0 for transport failures
	Err    error
}

func (e *RefreshError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("token refresh rejected (http %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("token refresh failed: %v", e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// Refresher exchanges an expired access token for a fresh pair using the
// refresh token. It deliberately uses a plain client so a refresh can never
// recurse through the interceptor.
type Refresher struct {
	endpoint string
	client   *http.Client
}

func NewRefresher(baseURL string, client *http.Client) *Refresher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Refresher{
		endpoint: strings.TrimRight(baseURL, "/") + refreshPath,
		client:   client,
	}
}

// Refresh performs the exchange. On success the result is the old pair with
// the server's fields layered on top: a response without a rotated refresh
// token keeps the previous one.
func (r *Refresher) Refresh(ctx context.Context, pair api.TokenPair) (api.TokenPair, error) {
	ctx, span := otel.Tracer("solvewatch").Start(ctx, "auth.refresh")
	defer span.End()

	next, err := r.refresh(ctx, pair)
	if err != nil {
		span.SetStatus(codes.Error, "refresh failed")
		var re *RefreshError
		if errors.As(err, &re) && re.Status != 0 {
			span.SetAttributes(attribute.Int("http.status_code", re.Status))
		}
		return api.TokenPair{}, err
	}
	return next, nil
}

func (r *Refresher) refresh(ctx context.Context, pair api.TokenPair) (api.TokenPair, error) {
	if pair.Refresh == "" {
		return api.TokenPair{}, &RefreshError{Err: errors.New("no refresh token")}
	}

	body, err := json.Marshal(api.RefreshRequest{Refresh: pair.Refresh})
	if err != nil {
		return api.TokenPair{}, &RefreshError{Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return api.TokenPair{}, &RefreshError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return api.TokenPair{}, &RefreshError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return api.TokenPair{}, &RefreshError{
			Status: resp.StatusCode,
			Err:    errors.New(strings.TrimSpace(string(snippet))),
		}
	}

	var fresh api.TokenPair
	if err := json.NewDecoder(resp.Body).Decode(&fresh); err != nil {
		return api.TokenPair{}, &RefreshError{Err: err}
	}
	if fresh.Access == "" {
		return api.TokenPair{}, &RefreshError{Err: errors.New("refresh response missing access token")}
	}

	next := pair
	next.Access = fresh.Access
	if fresh.Refresh != "" {
		next.Refresh = fresh.Refresh
	}
	return next, nil
}
