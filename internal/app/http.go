package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/strukturag/pdfdraw/internal/auth"
	"github.com/strukturag/pdfdraw/internal/backend"
	"github.com/strukturag/pdfdraw/internal/export"
	"github.com/strukturag/pdfdraw/internal/files"
	"github.com/strukturag/pdfdraw/internal/room"
	"github.com/strukturag/pdfdraw/internal/ws"
)

type HTTPServer struct {
	secret     []byte
	registry   *room.Registry
	socket     http.Handler
	exporter   *export.Exporter
	corsOrigin string

	// Embedded item backend; nil when an external document server holds
	// the items and source documents.
	items  room.ItemStore
	source files.Source
}

func NewHTTPServer(secret []byte, registry *room.Registry, exporter *export.Exporter, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		secret:     secret,
		registry:   registry,
		socket:     ws.NewHandler(secret, registry),
		exporter:   exporter,
		corsOrigin: corsOrigin,
	}
}

// EnableEmbeddedBackend mounts the item API and document download routes on
// this server instead of relying on an external document server.
func (s *HTTPServer) EnableEmbeddedBackend(items room.ItemStore, source files.Source) {
	s.items = items
	s.source = source
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/ws" {
		s.socket.ServeHTTP(w, r)
		return
	}

	segments := splitPath(r.URL.Path)

	if r.Method == http.MethodPost && len(segments) == 2 && segments[0] == "download" {
		s.handleExport(w, r, segments[1])
		return
	}

	if s.items != nil && len(segments) >= 8 &&
		segments[0] == "ocs" && segments[1] == "v2.php" &&
		segments[2] == "apps" && segments[3] == "pdfdraw" &&
		segments[4] == "api" && segments[5] == "v1" && segments[6] == "item" {
		s.handleItems(w, r, segments[7:])
		return
	}

	if s.source != nil && r.Method == http.MethodGet && len(segments) == 4 &&
		segments[0] == "apps" && segments[1] == "pdfdraw" && segments[2] == "download" {
		s.handleFileDownload(w, r, segments[3])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
}

// handleExport merges the posted overlays onto the document and returns the
// result as a download.
func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, fileID string) {
	var body struct {
		Token string            `json:"token"`
		SVG   []string          `json:"svg"`
		Text  []json.RawMessage `json:"text"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if body.Token == "" {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "token missing")
		return
	}

	claims, err := auth.Verify(s.secret, body.Token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
		return
	}
	if claims.DocumentID() != fileID {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Token issued for another document")
		return
	}
	if _, ok := s.registry.Get(fileID); !ok {
		writeError(w, http.StatusNotFound, "ROOM_NOT_FOUND", "No open session for this document")
		return
	}

	result, err := s.exporter.Export(r.Context(), export.Request{
		FileID:      fileID,
		FileName:    claims.FileName,
		SVGPages:    body.SVG,
		Text:        body.Text,
		FetchSource: s.sourceFetcher(claims, body.Token, fileID),
	})
	if err != nil {
		log.Printf("export of %s failed: %v", fileID, err)
		de := exportError(err)
		writeError(w, de.Status, de.Code, de.Message)
		return
	}

	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

// sourceFetcher resolves the document bytes either from the embedded source
// store or from the document server named by the token issuer, reusing the
// caller's token for the download.
func (s *HTTPServer) sourceFetcher(claims auth.Claims, token, fileID string) func(context.Context) ([]byte, error) {
	return func(ctx context.Context) ([]byte, error) {
		if s.source != nil {
			return s.source.Fetch(ctx, fileID)
		}
		if claims.Issuer == "" {
			return nil, fmt.Errorf("token names no document server")
		}
		return backend.New(claims.Issuer, s.secret).DownloadFile(ctx, token, fileID)
	}
}

func exportError(err error) *DomainError {
	switch {
	case errors.Is(err, files.ErrNotFound):
		return domainError(http.StatusNotFound, "DOCUMENT_NOT_FOUND", "Document not found")
	case errors.Is(err, export.ErrSourceUnavailable):
		return domainError(http.StatusBadGateway, "SOURCE_UNAVAILABLE", "Source document unavailable")
	default:
		return domainError(http.StatusInternalServerError, "EXPORT_FAILED", "Export failed")
	}
}

// handleItems serves the embedded item API behind service-token auth. The
// path tail is <fileID> for listing and <fileID>/<page>/<name> for writes.
func (s *HTTPServer) handleItems(w http.ResponseWriter, r *http.Request, tail []string) {
	fileID := tail[0]

	claims, err := auth.Verify(s.secret, bearerToken(r))
	if err != nil || claims.Issuer != "backend" || claims.DocumentID() != fileID {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
		return
	}

	switch {
	case r.Method == http.MethodGet && len(tail) == 1:
		items, err := s.items.ListItems(r.Context(), fileID)
		if err != nil {
			log.Printf("listing items of %s failed: %v", fileID, err)
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Server error")
			return
		}
		if items == nil {
			items = []backend.Item{}
		}
		writeOCS(w, items)

	case r.Method == http.MethodPost && len(tail) == 3:
		page, err := strconv.Atoi(tail[1])
		if err != nil || page < 1 || tail[2] == "" {
			writeError(w, http.StatusBadRequest, "INVALID_ITEM", "Invalid page or name")
			return
		}
		data := r.PostFormValue("data")
		if data == "" {
			writeError(w, http.StatusBadRequest, "INVALID_ITEM", "Item data missing")
			return
		}
		if err := s.items.StoreItem(r.Context(), fileID, page, tail[2], data); err != nil {
			log.Printf("storing item %s of %s failed: %v", tail[2], fileID, err)
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Server error")
			return
		}
		writeOCS(w, nil)

	case r.Method == http.MethodDelete && len(tail) == 3:
		page, err := strconv.Atoi(tail[1])
		if err != nil || page < 1 || tail[2] == "" {
			writeError(w, http.StatusBadRequest, "INVALID_ITEM", "Invalid page or name")
			return
		}
		if err := s.items.DeleteItem(r.Context(), fileID, page, tail[2]); err != nil {
			log.Printf("deleting item %s of %s failed: %v", tail[2], fileID, err)
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Server error")
			return
		}
		writeOCS(w, nil)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
	}
}

// handleFileDownload serves the raw source document to holders of a valid
// token for that document.
func (s *HTTPServer) handleFileDownload(w http.ResponseWriter, r *http.Request, fileID string) {
	claims, err := auth.Verify(s.secret, bearerToken(r))
	if err != nil || claims.DocumentID() != fileID {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
		return
	}

	data, err := s.source.Fetch(r.Context(), fileID)
	if errors.Is(err, files.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Document not found")
		return
	}
	if err != nil {
		log.Printf("serving document %s failed: %v", fileID, err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Server error")
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrade take over the connection through the
// recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "Content-Disposition")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":  code,
		"error": message,
	})
}

// writeOCS wraps data in the success envelope the item API speaks.
func writeOCS(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ocs": map[string]any{
			"meta": map[string]any{
				"status":     "ok",
				"statuscode": 200,
				"message":    "OK",
			},
			"data": data,
		},
	})
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return fmt.Errorf("missing body")
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
