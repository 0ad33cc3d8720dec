package protocol

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultHTTPTimeout = 15 * time.Second
	DefaultMaxBody     = 64 << 10
)

// HTTPHandler polls a URL; each ReceiveNext is one GET. The session keeps
// cookies between polls.
type HTTPHandler struct {
	URL     string
	Timeout time.Duration
	MaxBody int64
	Header  http.Header

	log    logrus.FieldLogger
	mu     sync.Mutex
	client *http.Client
}

func NewHTTPHandler(url string, log logrus.FieldLogger) *HTTPHandler {
	return &HTTPHandler{
		URL:     url,
		Timeout: DefaultHTTPTimeout,
		MaxBody: DefaultMaxBody,
		Header:  http.Header{},
		log:     log,
	}
}

func (h *HTTPHandler) Transport() Kind { return KindHTTP }

func (h *HTTPHandler) Source() string { return h.URL }

func (h *HTTPHandler) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &ConnectError{Transport: KindHTTP, Target: h.URL, Err: err}
	}
	if _, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil); err != nil {
		return &ConnectError{Transport: KindHTTP, Target: h.URL, Err: err}
	}
	jar, _ := cookiejar.New(nil)
	h.mu.Lock()
	h.client = &http.Client{Timeout: h.Timeout, Jar: jar}
	h.mu.Unlock()
	h.log.WithField("url", h.URL).Info("http handler ready")
	return nil
}

func (h *HTTPHandler) ReceiveNext(ctx context.Context) ([]byte, error) {
	h.mu.Lock()
	c := h.client
	h.mu.Unlock()
	if c == nil {
		return nil, &ReceiveError{Transport: KindHTTP, Source: h.URL, Err: ErrNotConnected}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return nil, &ReceiveError{Transport: KindHTTP, Source: h.URL, Err: err}
	}
	for k, vs := range h.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ReceiveError{Transport: KindHTTP, Source: h.URL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, &ReceiveError{Transport: KindHTTP, Source: h.URL, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, h.MaxBody))
	if err != nil {
		return nil, &ReceiveError{Transport: KindHTTP, Source: h.URL, Err: err}
	}
	if p := Clean(body); len(p) > 0 {
		return p, nil
	}
	return nil, nil
}

func (h *HTTPHandler) Disconnect() {
	h.mu.Lock()
	c := h.client
	h.client = nil
	h.mu.Unlock()
	if c == nil {
		return
	}
	c.CloseIdleConnections()
	h.log.WithField("url", h.URL).Info("http handler closed")
}
