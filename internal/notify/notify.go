// Package notify decides which followers hear about document activity and
// fans the emails out. Delivery is at-most-once and best effort; a failed
// send is logged and dropped.
package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"plenum/api/internal/store"
)

// Event kinds, ordered by significance.
const (
	KindComment     = "comment"
	KindSignificant = "significant"
	KindMajor       = "major"
)

// Follow levels. Each level is a threshold: a follower at a given level
// hears about events at least as significant as the level names, except
// "comments" and "all" which also include comment activity.
const (
	LevelNone        = "none"
	LevelMajor       = "major"
	LevelSignificant = "significant"
	LevelComments    = "comments"
	LevelAll         = "all"
)

var kindRank = map[string]int{
	KindComment:     1,
	KindSignificant: 2,
	KindMajor:       3,
}

var levelThreshold = map[string]int{
	LevelAll:         0,
	LevelComments:    1,
	LevelSignificant: 2,
	LevelMajor:       3,
}

// ValidLevel reports whether level is one of the accepted follow levels.
func ValidLevel(level string) bool {
	if level == LevelNone {
		return true
	}
	_, ok := levelThreshold[level]
	return ok
}

// ShouldNotify reports whether a follower at the given level hears about an
// event of the given kind. Unknown levels and kinds are silent.
func ShouldNotify(level, kind string) bool {
	rank, ok := kindRank[kind]
	if !ok {
		return false
	}
	threshold, ok := levelThreshold[level]
	if !ok {
		return false
	}
	return rank >= threshold
}

// Sender is the outbound mail dependency.
type Sender interface {
	IsConfigured() bool
	SendDocumentEvent(to, userName, docCode, docTitle, event, detail string) error
}

type followerLister interface {
	ListFollowers(ctx context.Context, documentID string) ([]store.Follower, error)
}

// Dispatcher fans document events out to followers.
type Dispatcher struct {
	store  followerLister
	sender Sender
	log    zerolog.Logger
}

func NewDispatcher(store followerLister, sender Sender, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{store: store, sender: sender, log: log}
}

// Event describes one notifiable occurrence on a document.
type Event struct {
	Kind        string
	DocumentID  string
	DocCode     string
	DocTitle    string
	Summary     string
	Detail      string
	ActorUserID string
}

// Dispatch sends the event to every follower whose level admits it. Runs in
// the caller's goroutine; callers fire it async. The actor never receives
// mail about their own action.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) {
	if d.sender == nil || !d.sender.IsConfigured() {
		return
	}

	followers, err := d.store.ListFollowers(ctx, event.DocumentID)
	if err != nil {
		d.log.Error().Err(err).Str("document_id", event.DocumentID).Msg("list followers for notification")
		return
	}

	for _, follower := range followers {
		if follower.UserID == event.ActorUserID {
			continue
		}
		if !ShouldNotify(follower.Level, event.Kind) {
			continue
		}
		if follower.Email == "" {
			continue
		}
		name := follower.Name
		if name == "" {
			name = "Member"
		}
		if err := d.sender.SendDocumentEvent(follower.Email, name, event.DocCode, event.DocTitle, event.Summary, event.Detail); err != nil {
			d.log.Error().Err(err).
				Str("document_id", event.DocumentID).
				Str("user_id", follower.UserID).
				Msg("send follower notification")
		}
	}
}

// DispatchAsync runs Dispatch on its own goroutine with a fresh timeout so
// request handlers never block on SMTP.
func (d *Dispatcher) DispatchAsync(event Event) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		d.Dispatch(ctx, event)
	}()
}
