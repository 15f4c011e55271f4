package subscription

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// DefaultSSEPath is the server-sent events variant of the change feed.
const DefaultSSEPath = "/sse/tasks"

const maxSSELine = 1 << 20

// SSESource reads change messages from a text/event-stream response.
type SSESource struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc

	closeOnce sync.Once
}

// DialSSE opens the stream at rawURL. The stream outlives ctx, which only
// bounds connecting; Close ends it.
func DialSSE(ctx context.Context, client *http.Client, rawURL string) (*SSESource, error) {
	if client == nil {
		client = &http.Client{}
	}
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}
	req.Header.Set("Accept", "text/event-stream")

	type result struct {
		resp *http.Response
		err  error
	}
	res := make(chan result, 1)
	go func() {
		resp, err := client.Do(req)
		res <- result{resp, err}
	}()
	var r result
	select {
	case r = <-res:
	case <-ctx.Done():
		cancel()
		r = <-res
		if r.resp != nil {
			r.resp.Body.Close()
		}
		return nil, fmt.Errorf("dial %s: %w", rawURL, ctx.Err())
	}
	if r.err != nil {
		cancel()
		return nil, fmt.Errorf("dial %s: %w", rawURL, r.err)
	}
	if r.resp.StatusCode != http.StatusOK {
		r.resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("dial %s: unexpected status %d", rawURL, r.resp.StatusCode)
	}
	scanner := bufio.NewScanner(r.resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	return &SSESource{body: r.resp.Body, scanner: scanner, cancel: cancel}, nil
}

// Next returns the data of the next event. Multi-line data fields are joined
// with newlines; comments and other fields are skipped.
func (s *SSESource) Next(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	var data []string
	for s.scanner.Scan() {
		line := s.scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				return []byte(strings.Join(data, "\n")), nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Close ends the stream.
func (s *SSESource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.body.Close()
	})
	return err
}
