package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/astromechza/docsync/pkg/localstore"
	"github.com/astromechza/docsync/pkg/replica"
	"github.com/astromechza/docsync/pkg/session"
)

// LocalStore attaches a bbolt backed store under dir to each document.
func LocalStore(dir string, logger *slog.Logger) OpenStoreFunc {
	return func(ctx context.Context, doc *replica.Document) (Store, error) {
		s, err := localstore.Open(ctx, localstore.Options{Dir: dir, Name: doc.Name(), Doc: doc, Logger: logger})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

type SessionOptions struct {
	URL    string
	Token  string
	Logger *slog.Logger
	// Presence is published on every session when set.
	Presence   any
	OnPresence func(document, client string, state json.RawMessage)
	OnState    func(document string, state session.State)
}

// RemoteSession attaches a session with the collaboration authority to each
// document.
func RemoteSession(opts SessionOptions) OpenSessionFunc {
	return func(ctx context.Context, doc *replica.Document) (Session, error) {
		name := doc.Name()
		cfg := session.Config{
			URL:      opts.URL,
			Document: name,
			Token:    opts.Token,
			Doc:      doc,
			Logger:   opts.Logger,
		}
		if opts.OnPresence != nil {
			cfg.OnPresence = func(client string, state json.RawMessage) { opts.OnPresence(name, client, state) }
		}
		if opts.OnState != nil {
			cfg.OnStateChange = func(st session.State) { opts.OnState(name, st) }
		}
		s, err := session.Connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if opts.Presence != nil {
			if err := s.SetPresence(opts.Presence); err != nil {
				s.Disconnect()
				return nil, err
			}
		}
		return s, nil
	}
}

// Fatal returns the provider error the editor has to act on, if any. A
// memory-only store is not fatal.
func (s Status) Fatal() error {
	if s.SessionErr != nil {
		return s.SessionErr
	}
	if s.StoreErr != nil && !errors.Is(s.StoreErr, localstore.ErrPersistenceDegraded) {
		return s.StoreErr
	}
	return nil
}
