package auth

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/solvewatch/solvewatch/internal/api"
	"golang.org/x/sync/singleflight"
)

var errNoSession = errors.New("no stored session")

// Transport is an http.RoundTripper that keeps the session's access token
// valid underneath every outgoing request.
//
// Per request: no stored pair means the call goes out unauthenticated; a pair
// with a live access token is attached as a Bearer header; an expired (or
// undecodable) access token suspends the call behind a refresh. Concurrent
// callers that discover expiry at the same time share a single in-flight
// refresh rather than each spending the refresh token.
//
// A failed refresh ends the session: the store is cleared, OnSessionEnd fires
// once, and the original call fails with the refresh error without ever being
// issued.
type Transport struct {
	Base      http.RoundTripper
	Store     *Store
	Refresher *Refresher

	// OnSessionEnd is invoked at most once, after the store has been
	// cleared. Optional.
	OnSessionEnd func()

	// Now is a clock override for tests; nil means time.Now.
	Now func() time.Time

	group   singleflight.Group
	endOnce sync.Once
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	pair, ok := t.Store.Get()
	if !ok {
		return t.base().RoundTrip(req)
	}

	claims, err := DecodeClaims(pair.Access)
	if err == nil && !claims.Expired(t.now()) {
		return t.issue(req, pair.Access)
	}

	// Expired, or a token we cannot even read: refresh before issuing.
	fresh, err := t.refresh(req)
	if err != nil {
		t.endSession()
		return nil, err
	}
	return t.issue(req, fresh.Access)
}

// refresh funnels concurrent expiry discoveries into one exchange. The winner
// persists the new pair; everyone else reuses its result.
func (t *Transport) refresh(req *http.Request) (api.TokenPair, error) {
	v, err, _ := t.group.Do("refresh", func() (any, error) {
		// Re-read under the flight: a previous flight may have already
		// renewed the pair while this caller was waiting to start.
		cur, ok := t.Store.Get()
		if !ok {
			return api.TokenPair{}, &RefreshError{Err: errNoSession}
		}
		if c, derr := DecodeClaims(cur.Access); derr == nil && !c.Expired(t.now()) {
			return cur, nil
		}
		next, rerr := t.Refresher.Refresh(req.Context(), cur)
		if rerr != nil {
			return api.TokenPair{}, rerr
		}
		if serr := t.Store.Set(next); serr != nil {
			return api.TokenPair{}, &RefreshError{Err: serr}
		}
		return next, nil
	})
	if err != nil {
		return api.TokenPair{}, err
	}
	return v.(api.TokenPair), nil
}

func (t *Transport) issue(req *http.Request, access string) (*http.Response, error) {
	// RoundTrippers must not mutate the caller's request.
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+access)
	return t.base().RoundTrip(clone)
}

func (t *Transport) endSession() {
	_ = t.Store.Clear()
	t.endOnce.Do(func() {
		if t.OnSessionEnd != nil {
			t.OnSessionEnd()
		}
	})
}
