// Package archivegw serves short-lived download links for run artifact
// archives without exposing bucket credentials to operators.
package archivegw

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	gos3 "specd/pkg/s3"
)

const (
	defaultTTLSeconds = 300
	maxTTLSeconds     = 3600

	archiveKeyPrefix = "runs/"
)

// Server exposes helpers for presigning archive downloads.
type Server struct {
	bucket string
	s3     *gos3.Client
}

// NewServer configures a Server using the provided S3 client and bucket.
func NewServer(bucket string, client *gos3.Client) (*Server, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	return &Server{bucket: bucket, s3: client}, nil
}

// RegisterHandlers attaches HTTP routes for presign features.
func (s *Server) RegisterHandlers(mux *http.ServeMux) error {
	if s == nil {
		return errors.New("nil server")
	}
	if mux == nil {
		return errors.New("nil mux")
	}

	mux.HandleFunc("/v1/archives/presign", s.handlePresignArchive)
	return nil
}

// ArchiveKey is the object key a run's artifact archive is uploaded under.
func ArchiveKey(runID string, encrypted bool) string {
	key := archiveKeyPrefix + runID + "/artifacts.tar.zst"
	if encrypted {
		key += ".age"
	}
	return key
}

func (s *Server) handlePresignArchive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	runID := strings.TrimSpace(r.URL.Query().Get("run_id"))
	if _, err := uuid.Parse(runID); err != nil {
		http.Error(w, "valid run_id query parameter is required", http.StatusBadRequest)
		return
	}
	encrypted := false
	if raw := strings.TrimSpace(r.URL.Query().Get("encrypted")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			http.Error(w, "invalid encrypted flag", http.StatusBadRequest)
			return
		}
		encrypted = parsed
	}

	ttlSeconds := defaultTTLSeconds
	if raw := strings.TrimSpace(r.URL.Query().Get("ttl")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid ttl", http.StatusBadRequest)
			return
		}
		if parsed > maxTTLSeconds {
			parsed = maxTTLSeconds
		}
		ttlSeconds = parsed
	}

	key := ArchiveKey(runID, encrypted)
	url, err := s.s3.PresignGet(r.Context(), s.bucket, key, time.Duration(ttlSeconds)*time.Second)
	if err != nil {
		http.Error(w, fmt.Sprintf("presign: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	// When fronted by ingress-nginx ensure Range headers reach the backend:
	// nginx.ingress.kubernetes.io/configuration-snippet: |
	//   proxy_set_header Range $http_range;
	//   proxy_set_header If-Range $http_if_range;
	_ = json.NewEncoder(w).Encode(map[string]string{"url": url, "key": key})
}
