package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/sst/opencode-sdk-go/option"
	"github.com/sst/opencode-sdk-go/packages/ssestream"
)

var streamPaths = []string{"global/event", "event"}

// Subscribe opens the event stream and calls handle with the data payload of
// each frame, in arrival order, until ctx is cancelled or the stream ends.
// It prefers the global stream and falls back to the per-directory one.
func (c *Client) Subscribe(ctx context.Context, handle func(data []byte)) error {
	conn := uuid.NewString()
	log := c.log.With("conn", conn)

	resp, err := c.openStream(ctx, conn, log)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	dec := ssestream.NewDecoder(resp)
	defer dec.Close()

	for dec.Next() {
		// Keep-alive comments dispatch empty events.
		data := bytes.TrimSuffix(dec.Event().Data, []byte("\n"))
		if len(data) == 0 {
			continue
		}
		handle(bytes.Clone(data))
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := dec.Err(); err != nil {
		return fmt.Errorf("event stream: %w", err)
	}
	return io.EOF
}

func (c *Client) openStream(ctx context.Context, conn string, log *slog.Logger) (*http.Response, error) {
	for _, path := range streamPaths {
		opts := append(c.scope(""),
			option.WithHeader("Accept", "text/event-stream"),
			option.WithHeader("X-Connection-Id", conn),
		)
		var resp *http.Response
		err := c.api.Execute(ctx, http.MethodGet, path, nil, &resp, opts...)
		var re *RemoteError
		if errors.As(err, &re) && re.Status == http.StatusNotFound {
			log.Debug("event stream not found, trying fallback", "path", path)
			continue
		}
		if err != nil {
			return nil, err
		}
		log.Debug("event stream open", "path", path)
		return resp, nil
	}
	return nil, &RemoteError{Status: http.StatusNotFound, Detail: "no event stream endpoint"}
}
