package nosana

import (
	"bytes"
	"context"
	"net/http"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func TestFetchArtifact_PlainAndGzip(t *testing.T) {
	payload := []byte(`{"opStates":[{"logs":["line1"]}]}`)

	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	zw.Write(payload)
	zw.Close()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ipfs/QmPlain":
			w.Write(payload)
		case "/ipfs/QmZipped":
			// No Content-Encoding header; gateway serves raw gzip bytes.
			w.Write(compressed.Bytes())
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	ctx := context.Background()

	plain, err := client.FetchArtifact(ctx, "QmPlain")
	if err != nil {
		t.Fatalf("plain fetch: %v", err)
	}
	if !bytes.Equal(plain, payload) {
		t.Errorf("plain artifact mismatch: %s", plain)
	}

	unzipped, err := client.FetchArtifact(ctx, "QmZipped")
	if err != nil {
		t.Fatalf("gzip fetch: %v", err)
	}
	if !bytes.Equal(unzipped, payload) {
		t.Errorf("gzip artifact mismatch: %s", unzipped)
	}
}

func TestFetchResult_DecodesJSONTree(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"logs":["a","b"]}`))
	})

	v, err := client.FetchResult(context.Background(), "QmResult")
	if err != nil {
		t.Fatalf("FetchResult: %v", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("expected map, got %T", v)
	}
	if _, ok := m["logs"]; !ok {
		t.Error("expected logs key")
	}
}

func TestPinArtifact(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pinning" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"ipfsHash":"QmDef"}`))
	})

	hash, err := client.PinArtifact(context.Background(), map[string]any{"version": "0.1"})
	if err != nil {
		t.Fatalf("PinArtifact: %v", err)
	}
	if hash != "QmDef" {
		t.Errorf("expected QmDef, got %q", hash)
	}
}
