package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/direct_downloader/internal/download"
	"github.com/italolelis/direct_downloader/internal/logctx"
)

const discordTimeout = 10 * time.Second

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// Publish posts terminal download events to the webhook in the background.
// Progress and control events are not worth a chat message.
func (d *DiscordNotifier) Publish(ctx context.Context, event download.Event) {
	content, ok := discordMessage(event)
	if !ok {
		return
	}

	logger := logctx.LoggerFromContext(ctx)

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), discordTimeout)
		defer cancel()

		if err := d.Notify(ctx, content); err != nil {
			logger.Error("failed to send discord notification", "download_id", event.DownloadID, "err", err)
		}
	}()
}

func discordMessage(event download.Event) (string, bool) {
	switch event.Type {
	case download.EventCompleted:
		return fmt.Sprintf("Download finished: %s (%s)", filepath.Base(event.Path), humanize.IBytes(uint64(max(event.Total, 0)))), true
	case download.EventError:
		return fmt.Sprintf("Download %s failed: %s", event.DownloadID, event.Message), true
	default:
		return "", false
	}
}
