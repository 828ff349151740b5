// Package auth authenticates bearer tokens and keeps the resolved user data
// in an idle-timeout LRU cache keyed by token subject.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"authgate/internal/cache"
	"authgate/internal/identity"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrProfile         = errors.New("user profile unavailable")
)

// Loop runs cache operations and delivers cache expiry callbacks on a single
// goroutine.
type Loop interface {
	cache.Scheduler
	Do(ctx context.Context, fn func()) error
}

type TokenResolver interface {
	Resolve(ctx context.Context, raw string) (*identity.Claims, error)
}

type ProfileFetcher interface {
	Fetch(ctx context.Context, bearer string) (string, error)
}

type SubjectRecorder interface {
	Record(ctx context.Context, subject string, at time.Time) error
}

// UserInfo is what the cache holds per subject.
type UserInfo struct {
	Subject    string         `json:"sub"`
	Data       map[string]any `json:"data"`
	ResolvedAt time.Time      `json:"resolved_at"`
}

// Principal is the authenticated caller of one request.
type Principal struct {
	Subject    string         `json:"sub"`
	Claims     map[string]any `json:"claims"`
	Profile    map[string]any `json:"profile,omitempty"`
	ResolvedAt time.Time      `json:"resolved_at"`
	Cached     bool           `json:"cached"`
	Token      string         `json:"-"`
}

type Option func(*Authenticator)

// WithProfiles makes cache misses fetch the user's profile with their token.
// Without it the token claims are cached as the user data.
func WithProfiles(p ProfileFetcher) Option {
	return func(a *Authenticator) {
		a.profiles = p
	}
}

// WithRecorder stores every resolved subject.
func WithRecorder(r SubjectRecorder) Option {
	return func(a *Authenticator) {
		a.recorder = r
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		a.now = now
	}
}

type Authenticator struct {
	resolver TokenResolver
	profiles ProfileFetcher
	recorder SubjectRecorder
	loop     Loop
	log      *log.Logger
	now      func() time.Time

	users *cache.Cache[string, *UserInfo] // touched only on loop
	group singleflight.Group
}

// New builds an authenticator whose user cache holds size subjects for an
// idle period of timeout.
func New(loop Loop, resolver TokenResolver, size int, timeout time.Duration, logger *log.Logger, opts ...Option) (*Authenticator, error) {
	a := &Authenticator{
		resolver: resolver,
		loop:     loop,
		log:      logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}

	users, err := cache.New[string, *UserInfo](size, timeout, loop,
		cache.WithOnEvict(func(sub string, _ *UserInfo, reason cache.EvictReason) {
			a.log.Debug("user evicted from cache", "sub", sub, "reason", reason)
		}))
	if err != nil {
		return nil, fmt.Errorf("user cache: %w", err)
	}
	a.users = users
	return a, nil
}

// Authenticate verifies raw and returns the caller with their user data,
// from the cache when the subject was seen within the idle timeout.
func (a *Authenticator) Authenticate(ctx context.Context, raw string) (*Principal, error) {
	claims, err := a.resolver.Resolve(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrForbidden)
	}

	var (
		info   *UserInfo
		cached bool
	)
	if err := a.loop.Do(ctx, func() { info, cached = a.users.Get(claims.Subject) }); err != nil {
		return nil, fmt.Errorf("user cache: %w", err)
	}
	if !cached {
		if info, err = a.load(ctx, claims, raw); err != nil {
			return nil, err
		}
	}

	p := &Principal{
		Subject:    claims.Subject,
		Claims:     claims.Raw,
		ResolvedAt: info.ResolvedAt,
		Cached:     cached,
		Token:      raw,
	}
	if a.profiles != nil {
		p.Profile = maps.Clone(info.Data)
	}
	return p, nil
}

// load resolves the user data for a cache miss and stores it. Concurrent
// misses for one subject share a single fetch, which runs detached from the
// caller that started it so one disconnecting client cannot fail the others.
// Each caller still stops waiting when its own ctx ends.
func (a *Authenticator) load(ctx context.Context, claims *identity.Claims, raw string) (*UserInfo, error) {
	shared := context.WithoutCancel(ctx)
	ch := a.group.DoChan(claims.Subject, func() (any, error) {
		info, err := a.fetch(shared, claims, raw)
		if err != nil {
			return nil, err
		}

		if a.recorder != nil {
			if err := a.recorder.Record(shared, info.Subject, info.ResolvedAt); err != nil {
				a.log.Warn("failed to record subject", "sub", info.Subject, "err", err)
			}
		}

		err = a.loop.Do(shared, func() {
			if evicted, ok := a.users.Put(info.Subject, info); ok {
				a.log.Debug("user cache full, evicted least recently used", "sub", evicted.Subject)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("user cache: %w", err)
		}
		a.log.Debug("user resolved", "sub", info.Subject)
		return info, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*UserInfo), nil
	}
}

func (a *Authenticator) fetch(ctx context.Context, claims *identity.Claims, raw string) (*UserInfo, error) {
	info := &UserInfo{Subject: claims.Subject, ResolvedAt: a.now()}
	if a.profiles == nil {
		info.Data = maps.Clone(claims.Raw)
		return info, nil
	}

	payload, err := a.profiles.Fetch(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProfile, err)
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		return nil, fmt.Errorf("%w: decode profile: %w", ErrProfile, err)
	}

	sub, _ := data["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: profile has no subject", ErrForbidden)
	}
	if sub != claims.Subject {
		return nil, fmt.Errorf("%w: profile subject %q does not match token", ErrForbidden, sub)
	}
	info.Data = data
	return info, nil
}

// CacheState is a diagnostic view of the user cache.
type CacheState struct {
	Subjects []string    `json:"subjects"`
	Stats    cache.Stats `json:"stats"`
}

// State lists cached subjects, most recently used first. Entries may expire
// right after.
func (a *Authenticator) State(ctx context.Context) (CacheState, error) {
	var st CacheState
	err := a.loop.Do(ctx, func() {
		st.Subjects = a.users.Keys()
		st.Stats = a.users.Stats()
	})
	return st, err
}

// Forget drops subject from the cache, reporting whether it was cached.
func (a *Authenticator) Forget(ctx context.Context, subject string) (bool, error) {
	var ok bool
	err := a.loop.Do(ctx, func() { _, ok = a.users.Delete(subject) })
	return ok, err
}

// Purge empties the cache and returns how many subjects were dropped.
func (a *Authenticator) Purge(ctx context.Context) (int, error) {
	var n int
	err := a.loop.Do(ctx, func() { n = a.users.Clear() })
	return n, err
}
