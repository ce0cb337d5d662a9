package chat

import (
	"context"

	"gochat/internal/session"
)

// View is the presentation layer a Client drives.  Methods may be
// called from the session's listening goroutine or with the session
// lock held, so they must return promptly and must not call back into
// the Client or the Session.
type View interface {
	// SetInputEnabled allows or forbids the user to submit text.
	SetInputEnabled(enabled bool)
	// ShowMessage displays one inbound chat line.
	ShowMessage(text string)
	// ShowState reports a session state change.
	ShowState(state session.State)
	// ShowError reports a failure.
	ShowError(err error)
}

// NameProvider asks the user for a screen name.  An empty name or an
// error means the user declined.
type NameProvider interface {
	ScreenName(ctx context.Context) (string, error)
}

// NameFunc adapts a function to NameProvider.
type NameFunc func(ctx context.Context) (string, error)

func (f NameFunc) ScreenName(ctx context.Context) (string, error) { return f(ctx) }

// StaticName always offers the same name.
type StaticName string

func (n StaticName) ScreenName(context.Context) (string, error) { return string(n), nil }
