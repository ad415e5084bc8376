// SPDX-License-Identifier: MIT

package node

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"

	"github.com/google/renameio/v2"

	"github.com/webgrid/webgrid/internal/webdriver"
)

const maxUploadBytes = 64 << 20

// handleFileUpload implements the Selenium file-detector protocol: the
// client sends a base64 zip holding exactly one file, the node extracts it
// locally and answers with the absolute path the browser can use.
func (s *server) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	path, err := s.extractUpload(r)
	if err != nil {
		s.logger.Warn().Err(err).Msg("file upload rejected")
		webdriver.WriteError(w, http.StatusBadRequest, webdriver.ErrUnknown, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"value": path})
}

func (s *server) extractUpload(r *http.Request) (string, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
	if err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	var req struct {
		File string `json:"file"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return "", fmt.Errorf("parse upload request: %w", err)
	}
	if req.File == "" {
		return "", fmt.Errorf("upload request carries no file")
	}

	raw, err := base64.StdEncoding.DecodeString(req.File)
	if err != nil {
		return "", fmt.Errorf("decode upload: %w", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("open upload archive: %w", err)
	}
	if len(zr.File) != 1 {
		return "", fmt.Errorf("upload archive must hold exactly one file, got %d", len(zr.File))
	}

	entry := zr.File[0]
	name := filepath.Base(entry.Name)
	if name == "." || name == string(filepath.Separator) {
		return "", fmt.Errorf("upload archive entry has no usable name")
	}

	rc, err := entry.Open()
	if err != nil {
		return "", fmt.Errorf("open upload entry: %w", err)
	}
	defer rc.Close()
	content, err := io.ReadAll(io.LimitReader(rc, maxUploadBytes))
	if err != nil {
		return "", fmt.Errorf("extract upload entry: %w", err)
	}

	dest := filepath.Join(s.uploadDir, name)
	if err := renameio.WriteFile(dest, content, 0o644); err != nil {
		return "", fmt.Errorf("write uploaded file: %w", err)
	}
	s.logger.Debug().Str("file", dest).Int("bytes", len(content)).Msg("file upload extracted")
	return dest, nil
}
