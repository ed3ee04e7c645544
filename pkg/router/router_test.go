package router

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

func newRouter(t *testing.T, collab, web http.Handler) *Router {
	t.Helper()
	if collab == nil {
		collab = http.NotFoundHandler()
	}
	r, err := New(Config{PrimaryOrigin: "http://localhost:3000", Collab: collab, Web: web})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func request(path string, headers map[string]string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}

var wsHeaders = map[string]string{
	"Connection":            "keep-alive, Upgrade",
	"Upgrade":               "websocket",
	"Sec-WebSocket-Version": "13",
	"Sec-WebSocket-Key":     "dGhlIHNhbXBsZSBub25jZQ==",
}

func TestClassify(t *testing.T) {
	r := newRouter(t, nil, nil)
	for _, tc := range []struct {
		name    string
		path    string
		headers map[string]string
		want    Kind
	}{
		{"collab upgrade", "/collab/notes", wsHeaders, KindCollabUpgrade},
		{"dev reload upgrade", "/_next/webpack-hmr?page=/", wsHeaders, KindDevReloadUpgrade},
		{"upgrade elsewhere", "/socket", wsHeaders, KindReject},
		{"non websocket upgrade on collab path", "/collab/notes", map[string]string{"Connection": "Upgrade", "Upgrade": "h2c"}, KindReject},
		{"page load", "/editor/notes", map[string]string{"Accept": "text/html,application/xhtml+xml"}, KindWebRequest},
		{"api call", "/api/files/upload", map[string]string{"Accept": "application/json"}, KindReject},
		{"no headers", "/", nil, KindReject},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := r.Classify(request(tc.path, tc.headers)); got != tc.want {
				t.Fatalf("Classify = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestCustomPassthroughPrefix(t *testing.T) {
	r, err := New(Config{
		PrimaryOrigin:       "http://localhost:3000",
		Collab:              http.NotFoundHandler(),
		PassthroughPrefixes: []string{"/__vite_hmr"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := r.Classify(request("/__vite_hmr", wsHeaders)); got != KindDevReloadUpgrade {
		t.Fatalf("got %s", got)
	}
	if got := r.Classify(request("/_next/webpack-hmr", wsHeaders)); got != KindReject {
		t.Fatalf("got %s", got)
	}
}

func TestPageLoadIsRedirected(t *testing.T) {
	r := newRouter(t, nil, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, request("/editor/notes?x=1", map[string]string{"Accept": "text/html"}))
	if rec.Code != http.StatusMovedPermanently {
		t.Fatalf("status = %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "http://localhost:3000/editor/notes?x=1" {
		t.Fatalf("location = %q", loc)
	}
	if rec.Header().Get("Connection") != "close" {
		t.Fatal("redirect should close the connection")
	}
}

func TestDevReloadIsPassedThroughUntouched(t *testing.T) {
	var seen *http.Request
	web := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		seen = req
		w.WriteHeader(http.StatusTeapot)
	})
	r := newRouter(t, nil, web)
	rec := httptest.NewRecorder()
	req := request("/_next/webpack-hmr", wsHeaders)
	r.ServeHTTP(rec, req)
	if seen != req || rec.Code != http.StatusTeapot {
		t.Fatalf("web handler saw %v, status %d", seen, rec.Code)
	}
}

func TestRejectWithoutHijackFallsBackTo400(t *testing.T) {
	r := newRouter(t, nil, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, request("/api", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRejectClosesConnection(t *testing.T) {
	srv := httptest.NewServer(newRouter(t, nil, nil))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/api")
	if err == nil {
		resp.Body.Close()
		t.Fatalf("expected the connection to be dropped, got %d", resp.StatusCode)
	}
}

func TestCollabUpgradeReachesHandler(t *testing.T) {
	upgrader := websocket.Upgrader{}
	collab := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(req.URL.Path))
	})
	srv := httptest.NewServer(newRouter(t, collab, nil))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/collab/notes", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_, r, err := conn.NextReader()
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(r)
	if string(body) != "/collab/notes" {
		t.Fatalf("handler saw %q", body)
	}
}
