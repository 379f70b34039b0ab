// Package streaming implements the request/response fallback channel:
// one POST per turn whose body streams back newline-delimited frames.
package streaming

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/orchestra-mcp/chatlink/src/codec"
	"github.com/orchestra-mcp/chatlink/src/types"
	"github.com/rs/zerolog"
)

// maxLineSize bounds a single NDJSON line.
const maxLineSize = 1 << 20

// StatusError is returned when the stream endpoint answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("stream request failed: status %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("stream request failed: status %d", e.Code)
}

// Handlers receive the results of one request. OnFragment is called for
// each decoded line in order; OnDone is called exactly once afterwards
// unless the request was cancelled.
type Handlers struct {
	OnFragment func(id string, frag types.Fragment)
	OnDone     func(id string, err error)
}

// Client performs fallback exchanges. At most one request is outstanding;
// starting a new one cancels the previous.
type Client struct {
	url    string
	http   *http.Client
	logger zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a client posting to url. A nil httpClient uses a client
// without an overall timeout, since answers stream for as long as they take.
func New(url string, httpClient *http.Client, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		url:    url,
		http:   httpClient,
		logger: logger.With().Str("component", "stream-client").Logger(),
	}
}

// Request starts an exchange and returns its id and a cancel function.
func (c *Client) Request(ctx context.Context, text string, history []types.Message, h Handlers) (string, func()) {
	id := uuid.New().String()
	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.do(ctx, id, text, history, h)
		if ctx.Err() != nil {
			c.logger.Debug().Str("request_id", id).Msg("request cancelled")
			return
		}
		if err != nil {
			c.logger.Warn().Err(err).Str("request_id", id).Msg("stream request failed")
		}
		cancel()
		if h.OnDone != nil {
			h.OnDone(id, err)
		}
	}()
	return id, cancel
}

// Cancel aborts the outstanding request, if any.
func (c *Client) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// Wait blocks until every started request goroutine has returned.
func (c *Client) Wait() {
	c.wg.Wait()
}

func (c *Client) do(ctx context.Context, id, text string, history []types.Message, h Handlers) error {
	if history == nil {
		history = []types.Message{}
	}
	body, err := json.Marshal(codec.StreamRequest{Message: text, History: history})
	if err != nil {
		return fmt.Errorf("encoding stream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("stream request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}

	c.logger.Debug().Str("request_id", id).Msg("stream opened")
	return Decode(ctx, resp.Body, func(frag types.Fragment) {
		if h.OnFragment != nil {
			h.OnFragment(id, frag)
		}
	})
}

// Decode reads newline-delimited frames from r and calls fn for each one
// that decodes. Blank and malformed lines are skipped. Delivery stops as
// soon as ctx is cancelled.
func Decode(ctx context.Context, r io.Reader, fn func(types.Fragment)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		frag, ok := codec.Decode(line)
		if !ok {
			continue
		}
		fn(frag)
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("reading stream: %w", err)
	}
	return nil
}
