package upload

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/mux"
)

func newServer(t *testing.T, maxBytes int64) (http.Handler, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "uploads")
	r := mux.NewRouter()
	New(dir, maxBytes, nil).Register(r)
	return r, dir
}

func multipartRequest(t *testing.T, fields map[string]string, fileName string, content []byte) *http.Request {
	t.Helper()
	body := new(bytes.Buffer)
	w := multipart.NewWriter(body)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if fileName != "" {
		fw, err := w.CreateFormFile("file", fileName)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write(content); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, UploadPath, body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestUploadValidation(t *testing.T) {
	for _, tc := range []struct {
		name     string
		fields   map[string]string
		fileName string
		status   int
		message  string
	}{
		{"missing file", map[string]string{"pageId": "p1"}, "", http.StatusBadRequest, "No file uploaded"},
		{"missing page id", nil, "a.png", http.StatusBadRequest, "PageId is required"},
		{"malformed attachment id", map[string]string{"pageId": "p1", "attachmentId": "not-a-uuid"}, "a.png", http.StatusBadRequest, "Invalid attachment id"},
		{"braced attachment id", map[string]string{"pageId": "p1", "attachmentId": "{6ba7b810-9dad-11d1-80b4-00c04fd430c8}"}, "a.png", http.StatusBadRequest, "Invalid attachment id"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h, dir := newServer(t, 0)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, multipartRequest(t, tc.fields, tc.fileName, []byte("png")))
			if rec.Code != tc.status {
				t.Fatalf("status = %d", rec.Code)
			}
			if got := decode(t, rec)["error"]; got != tc.message {
				t.Fatalf("error = %v", got)
			}
			if _, err := os.Stat(filepath.Join(dir, "a.png")); !os.IsNotExist(err) {
				t.Fatal("rejected upload was written")
			}
		})
	}
}

func TestUploadStoresFile(t *testing.T) {
	h, dir := newServer(t, 0)
	rec := httptest.NewRecorder()
	id := "6ba7b810-9dad-11d1-80b4-00c04fd430c8"
	h.ServeHTTP(rec, multipartRequest(t, map[string]string{"pageId": "p1", "attachmentId": id}, "../cat.png", []byte("meow")))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	want := map[string]any{"fileName": "cat.png", "filePath": "/uploads/cat.png", "pageId": "p1", "attachmentId": id}
	if diff := cmp.Diff(want, decode(t, rec)); diff != "" {
		t.Fatalf("response (-want +got):\n%s", diff)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "cat.png"))
	if err != nil || string(raw) != "meow" {
		t.Fatalf("stored %q, %v", raw, err)
	}
}

func TestUploadWithoutAttachmentID(t *testing.T) {
	h, _ := newServer(t, 0)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, multipartRequest(t, map[string]string{"pageId": "p1"}, "a.txt", []byte("x")))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decode(t, rec)
	if v, ok := got["attachmentId"]; !ok || v != nil {
		t.Fatalf("attachmentId = %v (present %v)", v, ok)
	}
}

func TestUploadTooLarge(t *testing.T) {
	h, _ := newServer(t, 1024)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, multipartRequest(t, map[string]string{"pageId": "p1"}, "big.bin", bytes.Repeat([]byte("x"), 8192)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestUploadLimitAppliesToTheFile(t *testing.T) {
	for _, tc := range []struct {
		size   int
		status int
	}{
		{1024, http.StatusOK},
		{1025, http.StatusRequestEntityTooLarge},
	} {
		h, _ := newServer(t, 1024)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, multipartRequest(t, map[string]string{"pageId": "p1"}, "edge.bin", bytes.Repeat([]byte("x"), tc.size)))
		if rec.Code != tc.status {
			t.Fatalf("%d byte file: status = %d", tc.size, rec.Code)
		}
		if tc.status != http.StatusOK {
			if got := decode(t, rec)["error"]; got != "File too large" {
				t.Fatalf("error = %v", got)
			}
		}
	}
}

func TestGetImage(t *testing.T) {
	h, _ := newServer(t, 0)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, multipartRequest(t, map[string]string{"pageId": "p1"}, "dot.png", []byte("\x89PNG\r\n\x1a\n")))
	if rec.Code != http.StatusOK {
		t.Fatalf("upload status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/files/images/dot.png", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Disposition"); got != `inline; filename=dot.png` {
		t.Fatalf("disposition = %q", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "image/png" {
		t.Fatalf("content type = %q", got)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/files/images/missing.png", nil))
	if rec.Code != http.StatusNotFound || decode(t, rec)["error"] != "File not found" {
		t.Fatalf("missing file: %d %s", rec.Code, rec.Body.String())
	}
}
