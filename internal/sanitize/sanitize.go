// Package sanitize normalizes job parameter trees before persistence.
//
// The external record store imposes a per-document size ceiling, and callers
// routinely attach whole file contents to their submissions. Those bytes
// belong in the artifact store, so the sanitizer strips or truncates them at
// the only safe point: before the record is written. The transform is pure
// and idempotent.
package sanitize

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// MaxStringBytes is the ceiling for any string field in a stored record.
	MaxStringBytes = 10000

	// maxInlineFileField bounds extra string fields kept on file entries.
	maxInlineFileField = 1000

	// ContentPlaceholder replaces values of content-bearing keys.
	ContentPlaceholder = "[content stored separately]"
)

// contentKeys are parameter keys whose values are always replaced, matched
// case-insensitively.
var contentKeys = map[string]bool{
	"content":     true,
	"filecontent": true, "file_content": true,
	"data":     true,
	"filedata": true, "file_data": true,
	"body":    true,
	"payload": true,
	"source":  true,
	"sourcecode": true, "source_code": true,
}

// fileEntryKeys are the only structured fields retained on a files-array entry.
var fileEntryKeys = map[string]bool{
	"name": true, "filename": true, "file_name": true,
	"path": true, "filepath": true, "file_path": true,
	"size": true, "type": true,
	"mimetype": true, "mime_type": true,
	"extension": true,
}

// Parameters sanitizes a submitted parameter tree. The input is not modified.
func Parameters(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return nil
	}
	out, _ := sanitizeObject(params).(map[string]interface{})
	return out
}

func sanitizeObject(obj map[string]interface{}) interface{} {
	out := make(map[string]interface{}, len(obj))
	for key, value := range obj {
		lower := strings.ToLower(key)

		if contentKeys[lower] {
			out[key] = ContentPlaceholder
			continue
		}

		if lower == "files" {
			if arr, ok := value.([]interface{}); ok {
				out[key] = sanitizeFiles(arr)
				continue
			}
		}

		out[key] = sanitizeValue(value)
	}
	return out
}

func sanitizeValue(value interface{}) interface{} {
	switch v := value.(type) {
	case string:
		return sanitizeString(v)
	case map[string]interface{}:
		return sanitizeObject(v)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, elem := range v {
			out[i] = sanitizeValue(elem)
		}
		return out
	case float64:
		return normalizeNumber(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	default:
		// bool, nil, and already-narrow numeric types pass through unchanged.
		return v
	}
}

func sanitizeString(s string) string {
	if len(s) <= MaxStringBytes {
		return s
	}
	return fmt.Sprintf("[string of %d bytes removed]", len(s))
}

// sanitizeFiles reduces each file entry to its metadata. Content fields are
// replaced, whitelisted fields kept, and any other short string field passes
// through so callers keep their annotations.
func sanitizeFiles(files []interface{}) []interface{} {
	out := make([]interface{}, len(files))
	for i, elem := range files {
		entry, ok := elem.(map[string]interface{})
		if !ok {
			out[i] = sanitizeValue(elem)
			continue
		}

		kept := make(map[string]interface{}, len(entry))
		for key, value := range entry {
			lower := strings.ToLower(key)
			switch {
			case contentKeys[lower]:
				kept[key] = ContentPlaceholder
			case fileEntryKeys[lower]:
				kept[key] = sanitizeValue(value)
			default:
				if s, ok := value.(string); ok && len(s) <= maxInlineFileField {
					kept[key] = s
				}
			}
		}
		out[i] = kept
	}
	return out
}

// normalizeNumber keeps integer-valued float64s (the shape JSON decoding
// produces) as int64 when the width is representable.
func normalizeNumber(f float64) interface{} {
	const maxExact = 1 << 53
	if f == float64(int64(f)) && f < maxExact && f > -maxExact {
		return int64(f)
	}
	return f
}
