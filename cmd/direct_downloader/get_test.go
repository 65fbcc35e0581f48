package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/direct_downloader/internal/download"
)

func TestGet(t *testing.T) {
	data := bytes.Repeat([]byte("direct"), 50_000)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "embedding.pt", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	getOpts.workers = 4
	getOpts.chunkUnit = 64 * 1024

	dest := filepath.Join(t.TempDir(), "embeddings", "embedding.pt")

	require.NoError(t, get(context.Background(), srv.URL, dest))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	err = get(context.Background(), srv.URL, dest)
	require.Error(t, err, "an existing destination is never overwritten")
}

func TestProgressBarPublisher(t *testing.T) {
	p := newProgressBar("test")
	ctx := context.Background()

	p.Publish(ctx, download.Event{Type: download.EventProgress})
	p.Publish(ctx, download.Event{Type: download.EventProgress, Downloaded: 512, Total: 1024})
	assert.Equal(t, int64(1024), p.bar.GetMax64())

	p.Publish(ctx, download.Event{Type: download.EventProgress, Downloaded: 1024, Total: 1024})
	p.Publish(ctx, download.Event{Type: download.EventCompleted, Total: 1024})
	assert.True(t, p.bar.IsFinished())
}
