// Package bridge streams deployment logs over WebSocket: live from the
// compute node while the job runs, replayed from the result archive once it
// terminated.
package bridge

import (
	"github.com/InferiaAI/nosana-sidecar/internal/pkg/dyn"
)

// FlattenResult turns a result archive into displayable log lines. Result
// blobs vary by node version: newer nodes group lines per operation under
// opStates, older ones carry a flat logs array, and some jobs emit a bare
// value.
func FlattenResult(result any) []string {
	if ops, ok := dyn.Slice(result, "opStates"); ok {
		var out []string
		for _, op := range ops {
			if logs, ok := dyn.Slice(op, "logs"); ok {
				out = appendItems(out, logs)
			}
		}
		return out
	}
	if logs, ok := dyn.Slice(result, "logs"); ok {
		return appendItems(nil, logs)
	}
	if result == nil {
		return nil
	}
	return []string{dyn.Stringify(result)}
}

// appendItems flattens one logs array. Entries are strings, objects wrapping
// a line under log or message, or objects nesting another logs array.
func appendItems(out []string, items []any) []string {
	for _, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case map[string]any:
			if line, ok := v["log"]; ok {
				out = append(out, dyn.Stringify(line))
				continue
			}
			if line, ok := v["message"]; ok {
				out = append(out, dyn.Stringify(line))
				continue
			}
			if nested, ok := dyn.Slice(v, "logs"); ok {
				out = appendItems(out, nested)
				continue
			}
			out = append(out, dyn.Stringify(v))
		default:
			out = append(out, dyn.Stringify(v))
		}
	}
	return out
}
