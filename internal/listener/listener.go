// Package listener accepts raw TCP connections from trackers and writes
// each connection's payload to the raw store before anything else happens
// to it.
package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"tracklink/internal/metrics"
	"tracklink/internal/protocol"
	"tracklink/internal/rawstore"

	"github.com/sirupsen/logrus"
)

const (
	DefaultPort          = 5000
	DefaultMaxPayload    = 1024
	DefaultReadTimeout   = 10 * time.Second
	DefaultIdleGap       = 100 * time.Millisecond
	DefaultShutdownGrace = 5 * time.Second
	DefaultProtocol      = "Unknown TCP"

	metricsSource = "listener"
)

type State int32

const (
	StateNew State = iota
	StateBound
	StateListening
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateBound:
		return "bound"
	case StateListening:
		return "listening"
	case StateClosed:
		return "closed"
	}
	return "new"
}

type Config struct {
	Host          string
	Port          int
	MaxPayload    int
	ReadTimeout   time.Duration
	IdleGap       time.Duration
	ShutdownGrace time.Duration
	// Protocol is the protocol name stamped on every row.
	Protocol string
	// AckReply, when set, is written back after the row is durable.
	AckReply string
}

func (c Config) withDefaults() Config {
	if c.MaxPayload <= 0 {
		c.MaxPayload = DefaultMaxPayload
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.IdleGap <= 0 {
		c.IdleGap = DefaultIdleGap
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.Protocol == "" {
		c.Protocol = DefaultProtocol
	}
	return c
}

type Listener struct {
	cfg     Config
	store   rawstore.Store
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	state atomic.Int32
	ln    net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func New(cfg Config, store rawstore.Store, log logrus.FieldLogger, m *metrics.Metrics) *Listener {
	return &Listener{
		cfg:     cfg.withDefaults(),
		store:   store,
		log:     log.WithField("component", "listener"),
		metrics: m,
		conns:   make(map[net.Conn]struct{}),
	}
}

func (l *Listener) State() State { return State(l.state.Load()) }

// Addr is the bound address, nil before Bind.
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Bind opens the listening socket. On unix Go sets SO_REUSEADDR on
// listeners, so a restart does not wait out TIME_WAIT.
func (l *Listener) Bind(ctx context.Context) error {
	if l.State() != StateNew {
		return errors.New("listener already bound")
	}
	addr := net.JoinHostPort(l.cfg.Host, strconv.Itoa(l.cfg.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	l.ln = ln
	l.state.Store(int32(StateBound))
	l.log.WithField("addr", ln.Addr().String()).Info("listener bound")
	return nil
}

// Serve accepts until ctx is cancelled, then drains in-flight connections
// for up to ShutdownGrace before force-closing them. The socket is closed
// on every return path.
func (l *Listener) Serve(ctx context.Context) error {
	if !l.state.CompareAndSwap(int32(StateBound), int32(StateListening)) {
		return errors.New("listener not bound")
	}
	l.log.Info("listener accepting connections")

	stop := context.AfterFunc(ctx, func() { _ = l.ln.Close() })
	defer stop()
	defer l.shutdown()

	var tempDelay time.Duration
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() || isTemporary(err) {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay = min(tempDelay*2, time.Second)
				}
				l.log.WithError(err).Warnf("accept error; retrying in %v", tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		tempDelay = 0
		l.track(conn, true)
		l.wg.Add(1)
		go l.serveConn(ctx, conn)
	}
}

// Close releases a socket that was bound but never served. Serve closes the
// socket on its own exit, so Close is a no-op in any other state.
func (l *Listener) Close() error {
	if !l.state.CompareAndSwap(int32(StateBound), int32(StateClosed)) {
		return nil
	}
	l.log.Info("listener closed before serving")
	return l.ln.Close()
}

// isTemporary covers fd exhaustion, the usual reason Accept fails on a
// healthy socket.
func isTemporary(err error) bool {
	var se *os.SyscallError
	if errors.As(err, &se) {
		return true
	}
	return false
}

func (l *Listener) shutdown() {
	_ = l.ln.Close()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(l.cfg.ShutdownGrace):
		l.mu.Lock()
		n := len(l.conns)
		for c := range l.conns {
			_ = c.Close()
		}
		l.mu.Unlock()
		l.log.WithField("connections", n).Warn("shutdown grace elapsed; closing connections")
		<-done
	}
	l.state.Store(int32(StateClosed))
	l.log.Info("listener closed")
}

func (l *Listener) track(c net.Conn, add bool) {
	l.mu.Lock()
	if add {
		l.conns[c] = struct{}{}
	} else {
		delete(l.conns, c)
	}
	l.mu.Unlock()
}

func (l *Listener) serveConn(ctx context.Context, conn net.Conn) {
	peer := peerIP(conn.RemoteAddr())
	log := l.log.WithField("peer", peer)
	l.metrics.ConnOpened()
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Errorf("connection handler panic\n%s", debug.Stack())
		}
		_ = conn.Close()
		l.track(conn, false)
		l.metrics.ConnClosed()
		l.wg.Done()
	}()

	payload, err := l.readPayload(conn)
	if err != nil {
		log.WithError(err).Debug("read failed")
	}
	payload = protocol.Clean(payload)
	if len(payload) == 0 {
		l.metrics.EmptyPayload()
		log.Debug("connection closed without payload")
		return
	}

	// The row must land even if shutdown has begun; the grace period bounds
	// how long that can take.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.ShutdownGrace)
	defer cancel()
	id, err := l.store.Append(actx, string(payload), l.cfg.Protocol, peer)
	if err != nil {
		l.metrics.AppendFailed(metricsSource)
		log.WithError(err).WithField("bytes", len(payload)).Error("raw store append failed; payload dropped")
		return
	}
	l.metrics.Appended(metricsSource, len(payload))
	log.WithFields(logrus.Fields{"raw_id": id, "bytes": len(payload)}).Debug("payload stored")

	if l.cfg.AckReply != "" {
		_ = conn.SetWriteDeadline(time.Now().Add(l.cfg.ReadTimeout))
		if _, err := io.WriteString(conn, l.cfg.AckReply); err != nil {
			log.WithError(err).Debug("ack write failed")
		}
	}
}

// readPayload reads one message: the first read waits up to ReadTimeout,
// later reads only IdleGap, and reading stops at EOF or MaxPayload bytes.
func (l *Listener) readPayload(conn net.Conn) ([]byte, error) {
	buf := make([]byte, l.cfg.MaxPayload)
	n := 0
	wait := l.cfg.ReadTimeout
	for n < len(buf) {
		_ = conn.SetReadDeadline(time.Now().Add(wait))
		k, err := conn.Read(buf[n:])
		n += k
		if err != nil {
			var ne net.Error
			if errors.Is(err, io.EOF) || (n > 0 && errors.As(err, &ne) && ne.Timeout()) {
				return buf[:n], nil
			}
			return buf[:n], err
		}
		if n > 0 {
			wait = l.cfg.IdleGap
		}
	}
	return buf[:n], nil
}

func peerIP(a net.Addr) string {
	if a == nil {
		return ""
	}
	if ta, ok := a.(*net.TCPAddr); ok {
		return ta.IP.String()
	}
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String()
	}
	return host
}
