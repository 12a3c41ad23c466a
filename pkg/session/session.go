// Package session implements the TFTP transfer engine. One Session
// drives one request end to end over its own UDP socket; the server
// and client roles share the state machine with mirrored directions.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	tftpfw "github.com/fwdist/tftpfw"
	"github.com/fwdist/tftpfw/pkg/config"
	"github.com/fwdist/tftpfw/pkg/metrics"
	"github.com/fwdist/tftpfw/pkg/options"
	"github.com/fwdist/tftpfw/pkg/source"
	"github.com/rs/xid"
)

// Role selects which end of the transfer this session plays
type Role uint8

const (
	RoleServer Role = iota
	RoleClient
)

var (
	errTimeout   = errors.New("receive timeout")
	errStopped   = errors.New("session stopped")
	errPeerError = errors.New("peer reported error")
)

// pollInterval slices blocking receives so the stop signal is
// observed promptly
const pollInterval = 250 * time.Millisecond

// Session owns one transfer : the ephemeral socket, the data source
// and the sticky first-error slot. It is single threaded; only
// Finished may be called from outside while it runs.
type Session struct {
	id     string
	role   Role
	logger *slog.Logger
	metr   *metrics.Metrics

	conn    *net.UDPConn
	peer    *net.UDPAddr
	peerSet bool
	// initial target for the client role, before the server's
	// ephemeral port is learned
	target *net.UDPAddr

	opts          *options.Options
	src           source.Source
	retransmitCap int

	state State
	slot  tftpfw.ErrorSlot

	// sender side progress
	acked     uint64 // highest block the peer acknowledged
	inFlight  int    // DATA packets sent beyond acked
	awaitAck0 bool   // an ACK of block 0 is expected (after OACK / WRQ)

	// receiver side progress
	recvd     uint64 // highest contiguous block received
	lastAcked uint64 // last block number put in an ACK

	lastBlock uint64 // final (short) block number, 0 while unknown
	retries   int
	resend    bool
	waitState State // state to re-enter after a retransmission

	lastTx  [][]byte // exact bytes of the last burst, for retransmit
	pending tftpfw.Packet

	rxBuf    []byte
	failed   bool
	peerErr  *tftpfw.Error
	finished atomic.Bool
}

// isSender reports whether this end transmits DATA packets
func (s *Session) isSender() bool {
	if s.opts.Request == options.RequestRead {
		return s.role == RoleServer
	}
	return s.role == RoleClient
}

// NewServer builds a server session from the opening datagram. The
// returned session is always runnable : a request that failed parsing
// arms the error slot so Run replies with ERROR and finishes.
func NewServer(settings config.Settings, localIP net.IP, raw []byte, remote *net.UDPAddr,
	logger *slog.Logger, metr *metrics.Metrics) (*Session, error) {

	if logger == nil {
		logger = slog.Default()
	}
	id := xid.New().String()
	logger = logger.With("service", "[SESS]", "id", id, "peer", remote.String())

	// Fresh ephemeral port on the listener's address : this socket is
	// the session's transfer identifier
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: localIP})
	if err != nil {
		return nil, fmt.Errorf("binding session socket: %w", err)
	}

	s := &Session{
		id:            id,
		role:          RoleServer,
		logger:        logger,
		metr:          metr,
		conn:          conn,
		peer:          remote,
		peerSet:       true,
		retransmitCap: settings.Retransmit,
		state:         StateNeedInit,
		rxBuf:         make([]byte, 65536),
	}

	pkt, err := tftpfw.Unmarshal(raw)
	if err != nil {
		logger.Error("malformed request", "err", err)
		s.opts = options.New()
		s.slot.Set(tftpfw.ErrCodeIllegalOp, "Malformed request")
		return s, nil
	}
	req, ok := pkt.(*tftpfw.Request)
	if !ok {
		logger.Warn("initial packet is not a request", "opcode", pkt.Op())
		s.opts = options.New()
		s.slot.Set(tftpfw.ErrCodeIllegalOp, "Expected read or write request")
		return s, nil
	}
	opts, err := options.ParseRequest(req, logger)
	if err != nil {
		logger.Error("rejecting request", "err", err)
		s.opts = options.New()
		s.slot.Set(tftpfw.ErrCodeIllegalOp, err.Error())
		return s, nil
	}
	s.opts = opts
	logger.Info("request accepted",
		"request", opts.Request.String(),
		"filename", opts.Filename,
		"blksize", opts.Blksize(),
		"windowsize", opts.Windowsize())

	resolver := source.NewResolver(settings.RootDir, settings.SearchDirs, logger)
	switch opts.Request {
	case options.RequestRead:
		s.src = source.NewFileReader(resolver, opts.Filename, logger, s.setError)
	case options.RequestWrite:
		s.src = source.NewFileWriter(settings.RootDir, opts.Filename, settings.FileAttr, logger, s.setError)
	}
	return s, nil
}

// NewClient builds a client session that will issue the request in
// opts against the server endpoint. src supplies payload for a write
// and stores payload for a read.
func NewClient(server tftpfw.Addr, opts *options.Options, src source.Source,
	retransmitCap int, logger *slog.Logger, metr *metrics.Metrics) (*Session, error) {

	if logger == nil {
		logger = slog.Default()
	}
	id := xid.New().String()
	logger = logger.With("service", "[SESS]", "id", id, "server", server.String())

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("binding client socket: %w", err)
	}

	return &Session{
		id:            id,
		role:          RoleClient,
		logger:        logger,
		metr:          metr,
		conn:          conn,
		target:        server.UDPAddr(),
		opts:          opts,
		src:           src,
		retransmitCap: retransmitCap,
		state:         StateNeedInit,
		rxBuf:         make([]byte, 65536),
	}, nil
}

// ID is the session's unique identifier used in logs and metrics
func (s *Session) ID() string {
	return s.id
}

// Finished reports whether Run has returned. Safe to call from the
// listener's reaping loop.
func (s *Session) Finished() bool {
	return s.finished.Load()
}

// Err returns the sticky first error, or nil on a clean transfer
func (s *Session) Err() *tftpfw.Error {
	return s.slot.Get()
}

// setError is the data source callback writing into the sticky slot
func (s *Session) setError(code tftpfw.ErrCode, msg string) {
	if !s.slot.Set(code, msg) {
		s.logger.Warn("suppressing later error", "code", code, "msg", msg)
	}
}

// setState performs one transition, forcing Finish on illegal edges
func (s *Session) setState(next State) {
	if !transitionLegal(s.state, next) {
		s.logger.Error("illegal state transition", "from", s.state.String(), "to", next.String())
		s.state = StateFinish
		return
	}
	s.logger.Debug("state transition", "from", s.state.String(), "to", next.String())
	s.state = next
}

// Run drives the session to completion. It returns the sticky error
// if the transfer failed locally, the peer's ERROR if the peer aborted
// it, nil on success or cooperative stop.
func (s *Session) Run(ctx context.Context) error {
	s.metr.SessionStarted(s.opts.Request.String())
	defer s.shutdown()

	for s.state != StateFinish {
		select {
		case <-ctx.Done():
			s.logger.Info("stop requested")
			s.state = StateFinish
			continue
		default:
		}

		switch s.state {
		case StateNeedInit:
			s.stateNeedInit(ctx)
		case StateRequest:
			s.stateRequest()
		case StateAckOptions:
			s.stateAckOptions(ctx)
		case StateDataTx:
			s.stateDataTx()
		case StateAckRx:
			s.stateAckRx(ctx)
		case StateDataRx:
			s.stateDataRx(ctx)
		case StateAckTx:
			s.stateAckTx()
		case StateRetransmit:
			s.stateRetransmit()
		case StateErrorAndStop:
			s.stateErrorAndStop()
		}
	}

	if e := s.slot.Get(); e != nil {
		return e
	}
	if s.peerErr != nil {
		return s.peerErr
	}
	if s.failed {
		return errPeerError
	}
	return nil
}

// complete reports whether the final block was transferred and
// acknowledged on this side
func (s *Session) complete() bool {
	if s.lastBlock == 0 {
		return false
	}
	if s.isSender() {
		return s.acked == s.lastBlock
	}
	return s.recvd == s.lastBlock
}

func (s *Session) shutdown() {
	if s.src != nil {
		if s.failed || s.slot.Armed() || !s.complete() {
			s.src.Cancel()
		} else if err := s.src.Close(); err != nil {
			s.logger.Warn("closing data source failed", "err", err)
		}
	}
	s.conn.Close()
	failed := s.failed || s.slot.Armed()
	s.metr.SessionFinished(s.opts.Request.String(), failed)
	s.logger.Info("session finished", "failed", failed)
	s.finished.Store(true)
}

// sendRaw transmits pre-marshaled packets to the locked peer (or the
// initial target while the peer is unknown)
func (s *Session) sendRaw(pkts [][]byte) error {
	dst := s.peer
	if !s.peerSet {
		dst = s.target
	}
	for _, b := range pkts {
		if _, err := s.conn.WriteToUDP(b, dst); err != nil {
			s.logger.Error("send failed", "err", err)
			return err
		}
	}
	return nil
}

// sendPacket marshals and transmits one packet, recording it as the
// retransmission burst
func (s *Session) sendPacket(p tftpfw.Packet) error {
	b, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	s.lastTx = [][]byte{b}
	return s.sendRaw(s.lastTx)
}

// sameEndpoint compares host and port
func sameEndpoint(a, b *net.UDPAddr) bool {
	return a != nil && b != nil && a.Port == b.Port && a.IP.Equal(b.IP)
}

// receive waits up to the negotiated timeout for a packet from the
// locked peer. The very first inbound packet establishes the peer
// endpoint; afterwards datagrams from any other endpoint are logged
// as intrusion attempts and dropped without advancing the machine.
func (s *Session) receive(ctx context.Context) (tftpfw.Packet, error) {
	deadline := time.Now().Add(time.Duration(s.opts.Timeout()) * time.Second)

	for {
		select {
		case <-ctx.Done():
			return nil, errStopped
		default:
		}
		now := time.Now()
		if !now.Before(deadline) {
			return nil, errTimeout
		}
		slice := deadline
		if d := now.Add(pollInterval); d.Before(deadline) {
			slice = d
		}
		s.conn.SetReadDeadline(slice)

		n, raddr, err := s.conn.ReadFromUDP(s.rxBuf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.logger.Error("receive failed", "err", err)
			return nil, err
		}

		if s.peerSet {
			if !sameEndpoint(raddr, s.peer) {
				s.logger.Warn("dropping datagram from foreign endpoint", "from", raddr.String())
				s.metr.IntrusionDrop()
				continue
			}
		} else {
			// TID capture : the peer answers from an ephemeral port
			s.peer = raddr
			s.peerSet = true
			s.logger.Info("peer endpoint locked", "peer", raddr.String())
		}

		pkt, err := tftpfw.Unmarshal(s.rxBuf[:n])
		if err != nil {
			s.logger.Error("malformed packet", "err", err)
			s.setError(tftpfw.ErrCodeIllegalOp, "Malformed packet")
			return nil, err
		}
		return pkt, nil
	}
}
