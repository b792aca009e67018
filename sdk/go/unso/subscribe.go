package unso

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// maxEventSize bounds one SSE data line.
const maxEventSize = 1 << 20

// Subscribe opens the agent's event stream and calls handle for every
// snapshot the authority pushes, in order. Connecting triggers a resync, so
// the first snapshot reflects the job as the authority sees it. Subscribe
// blocks until ctx is cancelled, the stream ends, or handle returns an error.
// Reconnecting is the caller's choice.
func (c *Client) Subscribe(ctx context.Context, handle func(Snapshot) error) error {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/subscribe", nil)
	if err != nil {
		return fmt.Errorf("unso: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("unso: subscribe: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusUnauthorized {
			c.tokenMgr.invalidate(token)
		}
		return handleResponse(resp, nil)
	}

	err = readEvents(bufio.NewScanner(resp.Body), func(event, data string) error {
		if event != "snapshot" {
			return nil
		}
		var snap Snapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			return fmt.Errorf("unso: decode snapshot: %w", err)
		}
		return handle(snap)
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// readEvents parses a text/event-stream. Comment lines are skipped; an
// event without a name is delivered as "message".
func readEvents(sc *bufio.Scanner, emit func(event, data string) error) error {
	sc.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	var event string
	var data []string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				name := event
				if name == "" {
					name = "message"
				}
				if err := emit(name, strings.Join(data, "\n")); err != nil {
					return err
				}
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("unso: read stream: %w", err)
	}
	return nil
}
