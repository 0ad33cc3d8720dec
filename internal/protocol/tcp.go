package protocol

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultBufferSize  = 1024
	DefaultDialTimeout = 10 * time.Second
	DefaultReadTimeout = 10 * time.Second
)

// TCPHandler dials a device or gateway and reads one chunk per
// ReceiveNext call.
type TCPHandler struct {
	Host        string
	Port        int
	BufferSize  int
	DialTimeout time.Duration
	ReadTimeout time.Duration

	log  logrus.FieldLogger
	mu   sync.Mutex
	conn net.Conn
	// peer closed the stream; set at the first EOF, cleared by Connect
	eof bool
}

func NewTCPHandler(host string, port int, log logrus.FieldLogger) *TCPHandler {
	return &TCPHandler{
		Host:        host,
		Port:        port,
		BufferSize:  DefaultBufferSize,
		DialTimeout: DefaultDialTimeout,
		ReadTimeout: DefaultReadTimeout,
		log:         log,
	}
}

func (h *TCPHandler) Transport() Kind { return KindTCP }

func (h *TCPHandler) Source() string { return net.JoinHostPort(h.Host, strconv.Itoa(h.Port)) }

func (h *TCPHandler) Connect(ctx context.Context) error {
	d := net.Dialer{Timeout: h.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", h.Source())
	if err != nil {
		return &ConnectError{Transport: KindTCP, Target: h.Source(), Err: err}
	}
	h.mu.Lock()
	old := h.conn
	h.conn = conn
	h.eof = false
	h.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	h.log.WithField("addr", h.Source()).Info("tcp handler connected")
	return nil
}

func (h *TCPHandler) ReceiveNext(ctx context.Context) ([]byte, error) {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return nil, &ReceiveError{Transport: KindTCP, Source: h.Source(), Err: ErrNotConnected}
	}

	deadline := time.Now().Add(h.ReadTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)

	// unblock the read when ctx is cancelled
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Unix(1, 0)) })
	defer stop()

	size := h.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	buf := make([]byte, size)
	n, err := conn.Read(buf)
	if n > 0 {
		if p := Clean(buf[:n]); len(p) > 0 {
			return p, nil
		}
		return nil, nil
	}
	if errors.Is(err, io.EOF) {
		// the first EOF reads as "nothing"; after that the stream is gone
		// and the caller has to reconnect
		h.mu.Lock()
		closed := h.eof
		h.eof = true
		h.mu.Unlock()
		if closed {
			return nil, &ReceiveError{Transport: KindTCP, Source: h.Source(), Err: io.EOF}
		}
		return nil, nil
	}
	if err == nil {
		return nil, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, &ReceiveError{Transport: KindTCP, Source: h.Source(), Err: err}
}

func (h *TCPHandler) Disconnect() {
	h.mu.Lock()
	conn := h.conn
	h.conn = nil
	h.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.Close()
	h.log.WithField("addr", h.Source()).Info("tcp handler disconnected")
}
