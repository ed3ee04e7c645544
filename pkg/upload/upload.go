// Package upload stores files attached to documents and serves them back.
package upload

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const (
	UploadPath = "/api/files/upload"
	ImagesPath = "/api/files/images/{fileName}"
	// PublicPrefix is the path prefix reported for stored files.
	PublicPrefix = "/uploads/"

	DefaultMaxBytes = 10 << 20
	formOverhead    = 1 << 20
)

// Error is an upload failure rendered as {"error": Message} with Status.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d %s", e.Status, e.Message)
}

// Result is the response body of a successful upload.
type Result struct {
	FileName     string  `json:"fileName"`
	FilePath     string  `json:"filePath"`
	PageID       string  `json:"pageId"`
	AttachmentID *string `json:"attachmentId"`
}

type Service struct {
	dir      string
	maxBytes int64
	log      *slog.Logger
}

func New(dir string, maxBytes int64, logger *slog.Logger) *Service {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{dir: dir, maxBytes: maxBytes, log: logger}
}

func (s *Service) Register(r *mux.Router) {
	r.Methods(http.MethodPost).Path(UploadPath).HandlerFunc(s.upload)
	r.Methods(http.MethodGet).Path(ImagesPath).HandlerFunc(s.getImage)
}

// validAttachmentID accepts only the hyphenated 8-4-4-4-12 form.
func validAttachmentID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

func (s *Service) upload(writer http.ResponseWriter, request *http.Request) {
	res, err := s.receive(writer, request)
	if err != nil {
		var uerr *Error
		if !errors.As(err, &uerr) {
			s.log.Error("upload failed", "err", err)
			uerr = &Error{Status: http.StatusInternalServerError, Message: "Internal server error"}
		}
		writeJSON(writer, uerr.Status, map[string]string{"error": uerr.Message})
		return
	}
	s.log.Info("stored upload", "file", res.FileName, "page", res.PageID)
	writeJSON(writer, http.StatusOK, res)
}

func (s *Service) receive(writer http.ResponseWriter, request *http.Request) (*Result, error) {
	// the body also carries boundaries and the other fields
	request.Body = http.MaxBytesReader(writer, request.Body, s.maxBytes+formOverhead)
	if err := request.ParseMultipartForm(s.maxBytes); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, &Error{Status: http.StatusRequestEntityTooLarge, Message: "File too large"}
		}
		return nil, &Error{Status: http.StatusBadRequest, Message: "Invalid multipart form"}
	}
	defer func() {
		_ = request.MultipartForm.RemoveAll()
	}()

	file, header, err := request.FormFile("file")
	if err != nil {
		return nil, &Error{Status: http.StatusBadRequest, Message: "No file uploaded"}
	}
	defer file.Close()
	if header.Size > s.maxBytes {
		return nil, &Error{Status: http.StatusRequestEntityTooLarge, Message: "File too large"}
	}

	pageID := request.FormValue("pageId")
	if pageID == "" {
		return nil, &Error{Status: http.StatusBadRequest, Message: "PageId is required"}
	}
	var attachmentID *string
	if raw := request.FormValue("attachmentId"); raw != "" {
		if !validAttachmentID(raw) {
			return nil, &Error{Status: http.StatusBadRequest, Message: "Invalid attachment id"}
		}
		attachmentID = &raw
	}

	name := filepath.Base(filepath.Clean("/" + header.Filename))
	if name == "/" || name == "." {
		return nil, &Error{Status: http.StatusBadRequest, Message: "No file uploaded"}
	}
	if err := s.store(name, file); err != nil {
		return nil, err
	}
	return &Result{
		FileName:     name,
		FilePath:     PublicPrefix + name,
		PageID:       pageID,
		AttachmentID: attachmentID,
	}, nil
}

// store writes the file next to its final name and renames it into place.
func (s *Service) store(name string, src io.Reader) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create uploads directory: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write upload: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("failed to store upload: %w", err)
	}
	return nil
}

func (s *Service) getImage(writer http.ResponseWriter, request *http.Request) {
	name, err := url.PathUnescape(mux.Vars(request)["fileName"])
	if err != nil || name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		writeJSON(writer, http.StatusNotFound, map[string]string{"error": "File not found"})
		return
	}
	raw, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Error("failed to read upload", "file", name, "err", err)
		}
		writeJSON(writer, http.StatusNotFound, map[string]string{"error": "File not found"})
		return
	}
	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = http.DetectContentType(raw)
	}
	writer.Header().Set("Content-Type", contentType)
	writer.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": name}))
	if _, err := writer.Write(raw); err != nil {
		s.log.Error("failed to write out", "err", err)
	}
}

func writeJSON(writer http.ResponseWriter, status int, body any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(body); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}
