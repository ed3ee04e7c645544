// Package router disambiguates the companion listener, which accepts both
// collaboration upgrades and stray traffic meant for the primary web origin.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// Kind is the classification of one inbound request.
type Kind int

const (
	KindReject Kind = iota
	KindWebRequest
	KindCollabUpgrade
	KindDevReloadUpgrade
)

func (k Kind) String() string {
	switch k {
	case KindReject:
		return "reject"
	case KindWebRequest:
		return "web-request"
	case KindCollabUpgrade:
		return "collab-upgrade"
	case KindDevReloadUpgrade:
		return "dev-reload-upgrade"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

const (
	DefaultCollabPrefix      = "/collab/"
	DefaultPassthroughPrefix = "/_next/webpack-hmr"
)

type Config struct {
	// PrimaryOrigin is where page loads are redirected, e.g. http://localhost:3000.
	PrimaryOrigin string
	CollabPrefix  string
	// PassthroughPrefixes are upgrade paths owned by the web layer's dev
	// tooling. Nil means DefaultPassthroughPrefix.
	PassthroughPrefixes []string

	// Collab serves collaboration upgrades.
	Collab http.Handler
	// Web receives passthrough upgrades untouched. Nil proxies them to
	// PrimaryOrigin.
	Web    http.Handler
	Logger *slog.Logger
}

type Router struct {
	collabPrefix string
	passthrough  []string
	origin       *url.URL
	handlers     map[Kind]http.Handler
	log          *slog.Logger
}

func New(cfg Config) (*Router, error) {
	if cfg.Collab == nil {
		return nil, errors.New("router requires a collaboration handler")
	}
	origin, err := url.Parse(cfg.PrimaryOrigin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("invalid primary origin %q", cfg.PrimaryOrigin)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CollabPrefix == "" {
		cfg.CollabPrefix = DefaultCollabPrefix
	}
	if cfg.PassthroughPrefixes == nil {
		cfg.PassthroughPrefixes = []string{DefaultPassthroughPrefix}
	}
	if cfg.Web == nil {
		cfg.Web = httputil.NewSingleHostReverseProxy(origin)
	}
	r := &Router{
		collabPrefix: cfg.CollabPrefix,
		passthrough:  cfg.PassthroughPrefixes,
		origin:       origin,
		log:          cfg.Logger,
	}
	r.handlers = map[Kind]http.Handler{
		KindCollabUpgrade:    cfg.Collab,
		KindDevReloadUpgrade: cfg.Web,
		KindWebRequest:       http.HandlerFunc(r.redirect),
		KindReject:           http.HandlerFunc(r.reject),
	}
	return r, nil
}

// Classify decides how a request on the companion listener is handled. It
// looks at connection metadata only.
func (r *Router) Classify(req *http.Request) Kind {
	if isUpgrade(req) {
		for _, p := range r.passthrough {
			if p != "" && strings.HasPrefix(req.URL.Path, p) {
				return KindDevReloadUpgrade
			}
		}
		if websocket.IsWebSocketUpgrade(req) && strings.HasPrefix(req.URL.Path, r.collabPrefix) {
			return KindCollabUpgrade
		}
		return KindReject
	}
	if strings.Contains(req.Header.Get("Accept"), "text/html") {
		return KindWebRequest
	}
	return KindReject
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	kind := r.Classify(req)
	r.log.Debug("classified request", "kind", kind, "url", req.URL)
	r.handlers[kind].ServeHTTP(w, req)
}

func (r *Router) redirect(w http.ResponseWriter, req *http.Request) {
	target := *r.origin
	target.Path = req.URL.Path
	target.RawPath = req.URL.RawPath
	target.RawQuery = req.URL.RawQuery
	w.Header().Set("Connection", "close")
	http.Redirect(w, req, target.String(), http.StatusMovedPermanently)
}

// reject drops the connection without a response. Writers that cannot be
// hijacked get a bare 400 instead.
func (r *Router) reject(w http.ResponseWriter, req *http.Request) {
	if hj, ok := w.(http.Hijacker); ok {
		if conn, _, err := hj.Hijack(); err == nil {
			_ = conn.Close()
			return
		}
	}
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusBadRequest)
}

func isUpgrade(req *http.Request) bool {
	if req.Header.Get("Upgrade") == "" {
		return false
	}
	for _, v := range req.Header.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
				return true
			}
		}
	}
	return false
}
