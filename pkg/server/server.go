package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	tftpfw "github.com/fwdist/tftpfw"
	"github.com/fwdist/tftpfw/pkg/config"
	"github.com/fwdist/tftpfw/pkg/metrics"
)

// ErrNoListener means no configured endpoint could be bound
var ErrNoListener = errors.New("no listener could be started")

// Server supervises one listener per configured address. Listeners
// are independent; they share only the frozen settings and the
// metrics registry.
type Server struct {
	settings config.Settings
	logger   *slog.Logger
	metr     *metrics.Metrics

	listeners []*Listener
}

func New(settings config.Settings, logger *slog.Logger, metr *metrics.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{settings: settings, logger: logger, metr: metr}
}

// Listeners returns the successfully bound listeners (valid after Bind
// opened them; used by tests to learn ephemeral ports)
func (s *Server) Listeners() []*Listener {
	return s.listeners
}

// Bind opens every configured endpoint. A bind failure is logged and
// skips that endpoint only; Bind fails if nothing could be bound.
func (s *Server) Bind() error {
	addrs := s.settings.Listen
	if len(addrs) == 0 {
		addr, _ := tftpfw.ParseAddr("0.0.0.0")
		addrs = []tftpfw.Addr{addr}
	}

	for _, addr := range addrs {
		l := NewListener(addr, s.settings, s.logger, s.metr)
		if err := l.Open(); err != nil {
			s.logger.Error("listener failed to start", "listen", addr.String(), "err", err)
			continue
		}
		s.listeners = append(s.listeners, l)
	}
	if len(s.listeners) == 0 {
		return ErrNoListener
	}
	return nil
}

// Run serves until the context fires, then waits for every listener
// to drain its sessions. Call Bind first.
func (s *Server) Run(ctx context.Context) error {
	if len(s.listeners) == 0 {
		if err := s.Bind(); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	for _, l := range s.listeners {
		wg.Add(1)
		go func(l *Listener) {
			defer wg.Done()
			l.Run(ctx)
		}(l)
	}
	wg.Wait()
	return nil
}
