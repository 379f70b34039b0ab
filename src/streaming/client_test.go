package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/orchestra-mcp/chatlink/src/codec"
	"github.com/orchestra-mcp/chatlink/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// result collects what a request delivered.
type result struct {
	mu    sync.Mutex
	frags []types.Fragment
	done  chan error
}

func newResult() *result { return &result{done: make(chan error, 1)} }

func (r *result) handlers() Handlers {
	return Handlers{
		OnFragment: func(_ string, f types.Fragment) {
			r.mu.Lock()
			r.frags = append(r.frags, f)
			r.mu.Unlock()
		},
		OnDone: func(_ string, err error) { r.done <- err },
	}
}

func (r *result) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("request did not finish")
		return nil
	}
}

func TestRequestDecodesNDJSONAndSkipsMalformedLines(t *testing.T) {
	var got codec.StreamRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"type":"text","content":"Hel"}`)
		fmt.Fprintln(w, `{"type":"text","content":`)
		fmt.Fprintln(w)
		fmt.Fprintln(w, `{"type":"sources_header","content":"lo"}`)
		fmt.Fprint(w, `{"type":"citation","content":"!"}`)
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client(), zerolog.Nop())
	res := newResult()
	history := []types.Message{{Role: types.RoleUser, Text: "earlier"}}
	c.Request(context.Background(), "hi", history, res.handlers())

	require.NoError(t, res.wait(t))
	assert.Equal(t, "hi", got.Message)
	assert.Equal(t, history, got.History)

	var sb strings.Builder
	for _, f := range res.frags {
		sb.WriteString(f.Payload)
	}
	assert.Equal(t, "Hello!", sb.String())
	assert.Len(t, res.frags, 3)
}

func TestRequestNon2xxIsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client(), zerolog.Nop())
	res := newResult()
	c.Request(context.Background(), "hi", nil, res.handlers())

	err := res.wait(t)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.Equal(t, "overloaded", se.Body)
	assert.Empty(t, res.frags)
}

func TestRequestNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(url, nil, zerolog.Nop())
	res := newResult()
	c.Request(context.Background(), "hi", nil, res.handlers())
	assert.Error(t, res.wait(t))
}

func TestNewRequestCancelsPrevious(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req codec.StreamRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Message == "slow" {
			fmt.Fprintln(w, `{"type":"text","content":"slow-1"}`)
			w.(http.Flusher).Flush()
			select {
			case <-release:
			case <-r.Context().Done():
				return
			}
			fmt.Fprintln(w, `{"type":"text","content":"slow-2"}`)
			return
		}
		fmt.Fprintln(w, `{"type":"text","content":"fast"}`)
	}))
	defer srv.Close()
	defer close(release)

	c := New(srv.URL, srv.Client(), zerolog.Nop())
	slow := newResult()
	c.Request(context.Background(), "slow", nil, slow.handlers())
	require.Eventually(t, func() bool {
		slow.mu.Lock()
		defer slow.mu.Unlock()
		return len(slow.frags) == 1
	}, 2*time.Second, 5*time.Millisecond)

	fast := newResult()
	c.Request(context.Background(), "fast", nil, fast.handlers())
	require.NoError(t, fast.wait(t))
	assert.Equal(t, []types.Fragment{{Kind: types.FragmentText, Payload: "fast"}}, fast.frags)

	c.Wait()
	select {
	case err := <-slow.done:
		t.Fatalf("cancelled request reported completion: %v", err)
	default:
	}
	slow.mu.Lock()
	defer slow.mu.Unlock()
	assert.Len(t, slow.frags, 1)
}

func TestCancelSuppressesCallbacks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client(), zerolog.Nop())
	res := newResult()
	_, cancel := c.Request(context.Background(), "hi", nil, res.handlers())
	cancel()
	c.Wait()

	select {
	case err := <-res.done:
		t.Fatalf("unexpected completion: %v", err)
	default:
	}
}

func TestDecodeStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var n int
	err := Decode(ctx, strings.NewReader("{\"type\":\"text\",\"content\":\"a\"}\n"), func(types.Fragment) { n++ })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)
}
