package ocrproc

import (
	"bufio"
	"bytes"
	"strings"

	"go.uber.org/zap"
)

// failureKeywords mark stderr lines that look like failures. Operator logging only;
// the process exit status alone decides success.
var failureKeywords = []string{"traceback", "error", "exception"}

// Diagnostic is one non-empty stderr line.
type Diagnostic struct {
	Line    string
	Failure bool
}

// ClassifyDiagnostics splits stderr into lines and flags the ones containing a failure keyword.
func ClassifyDiagnostics(stderr []byte) []Diagnostic {
	var out []Diagnostic
	sc := bufio.NewScanner(bytes.NewReader(stderr))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		out = append(out, Diagnostic{Line: line, Failure: looksLikeFailure(line)})
	}
	return out
}

func looksLikeFailure(line string) bool {
	lower := strings.ToLower(line)
	for _, kw := range failureKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func logDiagnostics(log *zap.Logger, stderr []byte) {
	for _, d := range ClassifyDiagnostics(stderr) {
		if d.Failure {
			log.Warn("OCR stderr", zap.String("line", d.Line))
			continue
		}
		log.Debug("OCR stderr", zap.String("line", d.Line))
	}
}
