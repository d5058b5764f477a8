package sanitize

// ============================================================================
// Parameter Sanitizer Tests
// Purpose: Verify size ceilings, content-key stripping, and idempotency
// ============================================================================

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilPassesThrough(t *testing.T) {
	assert.Nil(t, Parameters(nil))
}

func TestShortStringsUnchanged(t *testing.T) {
	in := map[string]interface{}{"note": "hello", "count": float64(3)}
	out := Parameters(in)

	assert.Equal(t, "hello", out["note"])
	assert.Equal(t, int64(3), out["count"])
}

func TestLongStringReplaced(t *testing.T) {
	long := strings.Repeat("x", MaxStringBytes+500)
	out := Parameters(map[string]interface{}{"report": long})

	replaced, ok := out["report"].(string)
	require.True(t, ok)
	assert.LessOrEqual(t, len(replaced), MaxStringBytes)
	assert.Contains(t, replaced, "10500 bytes")
}

func TestContentKeysReplaced(t *testing.T) {
	keys := []string{"content", "fileContent", "file_content", "data", "fileData",
		"file_data", "body", "payload", "source", "sourceCode", "source_code", "CONTENT"}

	for _, key := range keys {
		out := Parameters(map[string]interface{}{key: "print('hi')"})
		assert.Equal(t, ContentPlaceholder, out[key], "key %q should be replaced", key)
	}
}

func TestNestedObjectsRecurse(t *testing.T) {
	in := map[string]interface{}{
		"config": map[string]interface{}{
			"source": "def main(): pass",
			"depth":  map[string]interface{}{"body": "xyz"},
		},
		"list": []interface{}{
			map[string]interface{}{"data": "blob"},
			"plain",
		},
	}
	out := Parameters(in)

	cfg := out["config"].(map[string]interface{})
	assert.Equal(t, ContentPlaceholder, cfg["source"])
	assert.Equal(t, ContentPlaceholder, cfg["depth"].(map[string]interface{})["body"])

	list := out["list"].([]interface{})
	assert.Equal(t, ContentPlaceholder, list[0].(map[string]interface{})["data"])
	assert.Equal(t, "plain", list[1])
}

func TestFilesArrayKeepsMetadataOnly(t *testing.T) {
	in := map[string]interface{}{
		"files": []interface{}{
			map[string]interface{}{
				"name":      "main.py",
				"path":      "src/main.py",
				"size":      float64(2048),
				"mimetype":  "text/x-python",
				"extension": ".py",
				"content":   strings.Repeat("import os\n", 5000),
				"note":      "entry point",
				"blob":      strings.Repeat("y", 2000),
			},
		},
	}
	out := Parameters(in)

	entry := out["files"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "main.py", entry["name"])
	assert.Equal(t, "src/main.py", entry["path"])
	assert.Equal(t, int64(2048), entry["size"])
	assert.Equal(t, ContentPlaceholder, entry["content"])
	assert.Equal(t, "entry point", entry["note"], "short extra strings pass through")
	assert.NotContains(t, entry, "blob", "long extra strings are dropped")
}

func TestScalarsPreserved(t *testing.T) {
	in := map[string]interface{}{
		"flag":  true,
		"none":  nil,
		"whole": float64(42),
		"frac":  1.5,
		"big":   float64(1 << 60),
	}
	out := Parameters(in)

	assert.Equal(t, true, out["flag"])
	assert.Nil(t, out["none"])
	assert.Equal(t, int64(42), out["whole"], "integer-valued floats keep integer width")
	assert.Equal(t, 1.5, out["frac"])
	assert.Equal(t, float64(1<<60), out["big"], "floats past exact range stay floats")
}

// TestIdempotent verifies sanitize(sanitize(x)) == sanitize(x).
func TestIdempotent(t *testing.T) {
	in := map[string]interface{}{
		"source": "code",
		"huge":   strings.Repeat("z", MaxStringBytes*2),
		"files": []interface{}{
			map[string]interface{}{"name": "a.txt", "data": "raw"},
		},
		"nested": map[string]interface{}{"payload": "p", "n": float64(7)},
	}

	once := Parameters(in)
	twice := Parameters(once)
	assert.Equal(t, once, twice)
}

func TestNoOutputStringExceedsCeiling(t *testing.T) {
	in := map[string]interface{}{
		"a": strings.Repeat("a", MaxStringBytes+1),
		"b": strings.Repeat("b", MaxStringBytes*10),
		"nested": map[string]interface{}{
			"c": strings.Repeat("c", MaxStringBytes+12345),
		},
	}
	out := Parameters(in)

	var check func(v interface{})
	check = func(v interface{}) {
		switch val := v.(type) {
		case string:
			assert.LessOrEqual(t, len(val), MaxStringBytes)
		case map[string]interface{}:
			for _, inner := range val {
				check(inner)
			}
		case []interface{}:
			for _, inner := range val {
				check(inner)
			}
		}
	}
	check(out)
}
