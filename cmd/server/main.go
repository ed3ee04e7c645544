package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/astromechza/docsync/pkg/authority"
	"github.com/astromechza/docsync/pkg/bus"
	"github.com/astromechza/docsync/pkg/config"
	"github.com/astromechza/docsync/pkg/httplog"
	"github.com/astromechza/docsync/pkg/oplog"
	"github.com/astromechza/docsync/pkg/router"
	"github.com/astromechza/docsync/pkg/upload"
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
	primaryVar := flag.String("addr", "", "the address to serve the web api on")
	collabVar := flag.String("collab-addr", "", "the address to serve collaboration sessions on")
	opLogVar := flag.String("oplog", "", "memory, sqlite://<path> or a postgres:// url")
	flag.Parse()

	cfg, err := config.LoadServer(*configVar, *envVar)
	if err != nil {
		return err
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.PrimaryAddr = *primaryVar
		case "collab-addr":
			cfg.CollabAddr = *collabVar
		case "oplog":
			cfg.OpLog = *opLogVar
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
	idle, _ := cfg.IdleTimeoutDuration()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("Opening op log")
	log, err := oplog.Open(ctx, cfg.OpLog)
	if err != nil {
		return fmt.Errorf("failed to open op log: %w", err)
	}
	defer log.Close()

	var b bus.Bus
	if cfg.RedisAddr != "" {
		rb, err := bus.NewRedis(ctx, cfg.RedisAddr, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer rb.Close()
		b = rb
	}

	var auth authority.Authenticator
	if len(cfg.Tokens) > 0 {
		auth = authority.StaticTokens(cfg.Tokens...)
	}
	collab := authority.New(authority.Config{
		Log:          log,
		Bus:          b,
		Authenticate: auth,
		IdleTimeout:  idle,
		Logger:       logger,
	})

	if err := os.MkdirAll(cfg.UploadsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create uploads dir: %w", err)
	}
	s := &server{collab: collab}
	r := mux.NewRouter().UseEncodedPath()
	r.Use(httplog.Middleware(logger))
	upload.New(cfg.UploadsDir, cfg.MaxUploadBytes, logger).Register(r)
	r.Methods(http.MethodGet).PathPrefix(upload.PublicPrefix).Handler(http.StripPrefix(upload.PublicPrefix, http.FileServer(http.Dir(cfg.UploadsDir))))
	r.Methods(http.MethodGet).Path("/api/documents/{document}").HandlerFunc(s.getDocument)
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.healthz)

	companion, err := router.New(router.Config{
		PrimaryOrigin:       cfg.PublicOrigin,
		PassthroughPrefixes: cfg.PassthroughPrefixes,
		Collab:              collab,
		Logger:              logger,
	})
	if err != nil {
		return err
	}

	primaryServer := &http.Server{Addr: cfg.PrimaryAddr, Handler: r}
	collabServer := &http.Server{Addr: cfg.CollabAddr, Handler: httplog.Middleware(logger)(companion)}

	wg := new(sync.WaitGroup)
	for _, hs := range []*http.Server{primaryServer, collabServer} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("listening", "addr", hs.Addr)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("server listen failed", "addr", hs.Addr, "err", err)
				cancel()
			}
		}()
	}

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = primaryServer.Shutdown(shutdownCtx)
	// hijacked collaboration connections are not tracked by Shutdown
	_ = collabServer.Close()
	_ = collab.Close()
	wg.Wait()
	return nil
}

type server struct {
	collab *authority.Server
}

func (s *server) getDocument(writer http.ResponseWriter, request *http.Request) {
	name, err := url.PathUnescape(mux.Vars(request)["document"])
	if err != nil || name == "" {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}
	snap, err := s.collab.Snapshot(request.Context(), name)
	if err != nil {
		slog.Error("failed to snapshot", "document", name, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	if len(snap.History) == 0 {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(snap); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func (s *server) healthz(writer http.ResponseWriter, _ *http.Request) {
	writer.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(writer).Encode(map[string]any{"status": "ok", "rooms": s.collab.Rooms()})
}
