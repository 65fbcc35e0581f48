package fetch

import (
	"context"
	"io"

	"github.com/italolelis/direct_downloader/internal/telemetry"
)

// InstrumentedClient wraps Client with telemetry. Only issuing the request is
// measured; reading a returned body is accounted for by the caller.
type InstrumentedClient struct {
	client    *Client
	telemetry *telemetry.Telemetry
}

// NewInstrumentedClient creates a new instrumented client.
func NewInstrumentedClient(client *Client, tel *telemetry.Telemetry) *InstrumentedClient {
	return &InstrumentedClient{
		client:    client,
		telemetry: tel,
	}
}

// Probe determines the size of url with telemetry.
func (c *InstrumentedClient) Probe(ctx context.Context, url string) (FileInfo, error) {
	var result FileInfo

	err := c.telemetry.InstrumentSourceOperation(ctx, "probe", func(ctx context.Context) error {
		var err error

		result, err = c.client.Probe(ctx, url)

		return err
	})
	if err != nil {
		return FileInfo{}, err
	}

	return result, nil
}

// GetRange requests a byte range with telemetry.
func (c *InstrumentedClient) GetRange(ctx context.Context, url string, start, end int64) (io.ReadCloser, error) {
	var result io.ReadCloser

	err := c.telemetry.InstrumentSourceOperation(ctx, "get_range", func(ctx context.Context) error {
		var err error

		result, err = c.client.GetRange(ctx, url, start, end)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Get requests the whole resource with telemetry.
func (c *InstrumentedClient) Get(ctx context.Context, url string) (io.ReadCloser, error) {
	var result io.ReadCloser

	err := c.telemetry.InstrumentSourceOperation(ctx, "get", func(ctx context.Context) error {
		var err error

		result, err = c.client.Get(ctx, url)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
