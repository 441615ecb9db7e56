// Package staging writes uploaded images to short-lived files for external OCR processes.
package staging

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/kailas-cloud/casesync/internal/domain/upload"
)

var extPattern = regexp.MustCompile(`^\.[a-z0-9]{1,8}$`)

// Stager stages job images under a single directory.
type Stager struct {
	dir    string
	logger *zap.Logger
}

// New creates a Stager rooted at dir (the OS temp dir when empty), creating it if needed.
func New(dir string, logger *zap.Logger) (*Stager, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create staging dir %s: %w", dir, err)
	}
	return &Stager{dir: dir, logger: logger}, nil
}

// Dir returns the staging directory.
func (s *Stager) Dir() string { return s.dir }

// Stage writes the job image to a new file and returns its path plus a release
// func that removes it. Release is safe to call more than once.
func (s *Stager) Stage(job upload.Job) (string, func(), error) {
	f, err := os.CreateTemp(s.dir, "casesync-"+job.ID()+"-*"+extension(job.Filename()))
	if err != nil {
		return "", nil, fmt.Errorf("create staging file: %w", err)
	}
	path := f.Name()

	if _, err := f.Write(job.Image()); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", nil, fmt.Errorf("write staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", nil, fmt.Errorf("close staging file: %w", err)
	}

	release := func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Failed to remove staged image",
				zap.String("job_id", job.ID()),
				zap.String("path", path),
				zap.Error(err),
			)
		}
	}
	return path, release, nil
}

// extension keeps a short, safe file extension so image decoders can sniff the format.
func extension(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if extPattern.MatchString(ext) {
		return ext
	}
	return ""
}
