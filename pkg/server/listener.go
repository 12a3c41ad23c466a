// Package server runs the accept side : one Listener per configured
// endpoint receives opening requests on the well known port and hands
// each one to a freshly created session on an ephemeral port.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	tftpfw "github.com/fwdist/tftpfw"
	"github.com/fwdist/tftpfw/pkg/config"
	"github.com/fwdist/tftpfw/pkg/metrics"
	"github.com/fwdist/tftpfw/pkg/session"
)

// acceptPoll bounds how long the accept loop blocks between stop and
// reap checks
const acceptPoll = 500 * time.Millisecond

// A Listener owns one well known UDP socket and the registry of
// sessions it spawned
type Listener struct {
	addr     tftpfw.Addr
	settings config.Settings
	logger   *slog.Logger
	// sessLogger is the untagged logger handed to sessions
	sessLogger *slog.Logger
	metr       *metrics.Metrics

	conn *net.UDPConn

	mu       sync.Mutex
	sessions map[string]*session.Session
	wg       sync.WaitGroup
}

func NewListener(addr tftpfw.Addr, settings config.Settings,
	logger *slog.Logger, metr *metrics.Metrics) *Listener {

	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		addr:       addr,
		settings:   settings,
		logger:     logger.With("service", "[LSTN]", "listen", addr.String()),
		sessLogger: logger,
		metr:       metr,
		sessions:   make(map[string]*session.Session),
	}
}

// Open binds the well known port. A failure here is fatal for this
// listener only.
func (l *Listener) Open() error {
	conn, err := net.ListenUDP(l.addr.Network(), l.addr.UDPAddr())
	if err != nil {
		return fmt.Errorf("binding %s: %w", l.addr.String(), err)
	}
	l.conn = conn
	l.logger.Info("listening")
	return nil
}

// Addr returns the bound endpoint (useful when port 0 was requested)
func (l *Listener) Addr() tftpfw.Addr {
	if l.conn == nil {
		return l.addr
	}
	return tftpfw.FromUDPAddr(l.conn.LocalAddr().(*net.UDPAddr))
}

// Run accepts opening requests until the context fires, then drains
// the in-flight sessions
func (l *Listener) Run(ctx context.Context) {
	defer l.conn.Close()
	buf := make([]byte, 65536)

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("stopping, draining sessions")
			l.wg.Wait()
			l.reap()
			l.logger.Info("stopped")
			return
		default:
		}

		l.conn.SetReadDeadline(time.Now().Add(acceptPoll))
		n, remote, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				l.reap()
				continue
			}
			l.logger.Error("receive failed", "err", err)
			l.reap()
			continue
		}

		if n < tftpfw.MinRequestSize {
			l.logger.Warn("dropping short initial packet", "size", n, "from", remote.String())
			continue
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])
		l.spawn(ctx, raw, remote)
		l.reap()
	}
}

func (l *Listener) spawn(ctx context.Context, raw []byte, remote *net.UDPAddr) {
	l.logger.Info("initial packet received", "size", len(raw), "from", remote.String())

	sess, err := session.NewServer(l.settings, l.addr.IP(), raw, remote, l.sessLogger, l.metr)
	if err != nil {
		l.logger.Error("session setup failed", "err", err)
		return
	}

	l.mu.Lock()
	l.sessions[sess.ID()] = sess
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		sess.Run(ctx)
	}()
}

// reap drops finished sessions from the registry
func (l *Listener) reap() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, sess := range l.sessions {
		if sess.Finished() {
			delete(l.sessions, id)
		}
	}
}

// ActiveSessions counts sessions still running
func (l *Listener) ActiveSessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, sess := range l.sessions {
		if !sess.Finished() {
			n++
		}
	}
	return n
}
