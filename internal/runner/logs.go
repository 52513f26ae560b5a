package runner

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LogStore hands out a log destination per job.
type LogStore interface {
	// Open returns a writer for the job log and the URL it is served at.
	Open(slug string) (io.WriteCloser, string, error)
	// AttachmentsDir returns the directory published next to the log of
	// slug, creating it if needed.
	AttachmentsDir(slug string) (string, error)
}

// FileLogStore writes logs to <dir>/<slug>/log, published under baseURL.
type FileLogStore struct {
	dir     string
	baseURL string
}

func NewFileLogStore(dir, baseURL string) *FileLogStore {
	return &FileLogStore{dir: dir, baseURL: strings.TrimSuffix(baseURL, "/")}
}

func (s *FileLogStore) Open(slug string) (io.WriteCloser, string, error) {
	if err := checkSlug(slug); err != nil {
		return nil, "", err
	}
	jobDir := filepath.Join(s.dir, slug)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("failed to create log dir %s: %w", jobDir, err)
	}
	f, err := os.OpenFile(filepath.Join(jobDir, "log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open log for %s: %w", slug, err)
	}
	return f, s.baseURL + "/" + slug + "/log", nil
}

func (s *FileLogStore) AttachmentsDir(slug string) (string, error) {
	if err := checkSlug(slug); err != nil {
		return "", err
	}
	dir := filepath.Join(s.dir, slug, "attachments")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create attachments dir %s: %w", dir, err)
	}
	return dir, nil
}

func checkSlug(slug string) error {
	if slug == "" || slug == "." || slug == ".." || filepath.Base(slug) != slug {
		return fmt.Errorf("invalid log slug %q", slug)
	}
	return nil
}
