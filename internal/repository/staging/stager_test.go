package staging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/kailas-cloud/casesync/internal/domain/document"
	"github.com/kailas-cloud/casesync/internal/domain/upload"
)

func TestStage_WritesAndReleases(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "uploads"), zap.NewNop())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	job, _ := upload.NewJob([]byte("jpeg-bytes"), "Cedula.JPG", "image/jpeg", document.Person)

	path, release, err := s.Stage(job)
	if err != nil {
		t.Fatalf("Stage() error: %v", err)
	}
	if filepath.Dir(path) != s.Dir() {
		t.Errorf("staged outside dir: %s", path)
	}
	if !strings.HasSuffix(path, ".jpg") {
		t.Errorf("expected .jpg suffix, got %s", path)
	}
	if !strings.Contains(filepath.Base(path), job.ID()) {
		t.Errorf("expected job id in file name, got %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read staged file: %v", err)
	}
	if string(data) != "jpeg-bytes" {
		t.Errorf("staged content = %q", data)
	}

	release()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected staged file removed, stat err = %v", err)
	}
	release()
}

func TestExtension(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"a.png", ".png"},
		{"a.JPEG", ".jpeg"},
		{"noext", ""},
		{"weird.j p g", ""},
		{"../../etc/passwd", ""},
		{"a.verylongextension", ""},
	}
	for _, tc := range tests {
		if got := extension(tc.in); got != tc.want {
			t.Errorf("extension(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
