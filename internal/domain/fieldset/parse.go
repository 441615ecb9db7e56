package fieldset

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// ParseOutput extracts the last parseable JSON object from OCR engine output.
// The object may span several trailing lines. When nothing parses, the trimmed
// output is returned under rawField and parsed is false.
func ParseOutput(out []byte, rawField string) (fs FieldSet, parsed bool) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return FieldSet{rawField: ""}, false
	}

	if raw, ok := decodeObject(trimmed); ok {
		return FromValues(raw), true
	}

	lines := bytes.Split(trimmed, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		if raw, ok := decodeObject(bytes.Join(lines[i:], []byte("\n"))); ok {
			return FromValues(raw), true
		}
		if raw, ok := decodeObject(line); ok {
			return FromValues(raw), true
		}
	}

	return FieldSet{rawField: string(trimmed)}, false
}

// decodeObject decodes data as exactly one JSON object.
func decodeObject(data []byte) (map[string]any, bool) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil || raw == nil {
		return nil, false
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, false
	}
	return raw, true
}
