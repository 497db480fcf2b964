package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlattenOpStates(t *testing.T) {
	result := map[string]any{
		"opStates": []any{
			map[string]any{"logs": []any{"line1", "line2"}},
			map[string]any{"logs": []any{"line3"}},
		},
	}
	assert.Equal(t, []string{"line1", "line2", "line3"}, FlattenResult(result))
}

func TestFlattenTopLevelLogs(t *testing.T) {
	result := map[string]any{"logs": []any{"a", "b"}}
	assert.Equal(t, []string{"a", "b"}, FlattenResult(result))
}

func TestFlattenVerbatimFallback(t *testing.T) {
	assert.Equal(t, []string{`{"exit":0}`}, FlattenResult(map[string]any{"exit": float64(0)}))
	assert.Equal(t, []string{"plain text"}, FlattenResult("plain text"))
	assert.Empty(t, FlattenResult(nil))
}

func TestFlattenWrappedItems(t *testing.T) {
	result := map[string]any{
		"logs": []any{
			map[string]any{"log": "from log field"},
			map[string]any{"message": "from message field"},
			map[string]any{"logs": []any{"nested1", "nested2"}},
			map[string]any{"other": "kept verbatim"},
			float64(7),
		},
	}
	assert.Equal(t, []string{
		"from log field",
		"from message field",
		"nested1",
		"nested2",
		`{"other":"kept verbatim"}`,
		"7",
	}, FlattenResult(result))
}

func TestFlattenOpStatesSkipsOpsWithoutLogs(t *testing.T) {
	result := map[string]any{
		"opStates": []any{
			map[string]any{"status": "done"},
			map[string]any{"logs": []any{"only"}},
		},
	}
	assert.Equal(t, []string{"only"}, FlattenResult(result))
}
