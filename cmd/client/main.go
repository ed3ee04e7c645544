package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/astromechza/docsync/pkg/config"
	"github.com/astromechza/docsync/pkg/coordinator"
	"github.com/astromechza/docsync/pkg/replica"
	"github.com/astromechza/docsync/pkg/session"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	configVar := flag.String("config", "", "optional yaml config file")
	envVar := flag.String("env", ".env", "optional dotenv file")
	urlVar := flag.String("url", "", "the collaboration authority, e.g. ws://localhost:3001")
	docVar := flag.String("doc", "", "the document to edit")
	tokenVar := flag.String("token", "", "the bearer token to present")
	flag.Parse()

	cfg, err := config.LoadClient(*configVar, *envVar)
	if err != nil {
		return err
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "url":
			cfg.AuthorityURL = *urlVar
		case "doc":
			cfg.Document = *docVar
		case "token":
			cfg.Token = *tokenVar
		}
	})
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	interval, _ := cfg.EditIntervalDuration()

	var openStore coordinator.OpenStoreFunc
	if cfg.StoreDir != "" {
		if err := os.MkdirAll(cfg.StoreDir, 0o755); err != nil {
			return fmt.Errorf("failed to create store dir: %w", err)
		}
		openStore = coordinator.LocalStore(cfg.StoreDir, logger)
	}
	var presence any
	if cfg.UserName != "" {
		presence = map[string]string{"name": cfg.UserName}
	}
	co := coordinator.New(coordinator.Config{
		ClientID:  cfg.ClientID,
		Logger:    logger,
		OpenStore: openStore,
		OpenSession: coordinator.RemoteSession(coordinator.SessionOptions{
			URL:      cfg.AuthorityURL,
			Token:    cfg.Token,
			Logger:   logger,
			Presence: presence,
			OnPresence: func(document, client string, state json.RawMessage) {
				if state == nil {
					slog.Info("peer left", "document", document, "peer", client)
					return
				}
				slog.Info("peer presence", "document", document, "peer", client, "state", string(state))
			},
			OnState: func(document string, state session.State) {
				slog.Info("session state", "document", document, "state", state)
			},
		}),
		OnReady: func(name string) { slog.Info("document ready", "document", name) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := co.OpenDocument(ctx, cfg.Document)
	if err != nil {
		return fmt.Errorf("failed to open document: %w", err)
	}
	unsubscribe := h.Document().Subscribe(func(op replica.Op, origin string) {
		if origin != replica.OriginLocal {
			slog.Debug("applied", "op", op.ID, "origin", origin)
		}
	})
	defer unsubscribe()

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-h.Ready():
		case <-ctx.Done():
			return
		}
		editRandomlyContinuously(ctx, h, interval)
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	wg.Wait()

	slog.Info("final content", "document", h.Name(), "text", h.Document().Text(), "status", h.Status())
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	return co.Close(closeCtx)
}

var words = []string{"alpha ", "bravo ", "charlie ", "delta ", "echo "}

// editRandomlyContinuously types or deletes a word at a random position
// until ctx ends. A zero interval only watches.
func editRandomlyContinuously(ctx context.Context, h *coordinator.Handle, interval time.Duration) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	for {
		t := time.NewTimer(interval + time.Duration(rand.Int63n(int64(interval))))
		select {
		case <-t.C:
			doc := h.Document()
			var e replica.Edit
			if n := doc.Len(); n > 40 && rand.Intn(3) == 0 {
				at := rand.Intn(n - 5)
				e = replica.Delete(at, 5)
			} else {
				e = replica.InsertText(rand.Intn(n+1), words[rand.Intn(len(words))])
			}
			if _, err := h.ApplyLocalEdit(e); err != nil {
				slog.Error("failed to edit", "err", err)
				continue
			}
			slog.Info("edited", "text", doc.Text())
		case <-ctx.Done():
			t.Stop()
			slog.Info("stopping scheduled edits")
			return
		}
	}
}
