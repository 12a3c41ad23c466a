package session

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	tftpfw "github.com/fwdist/tftpfw"
	"github.com/fwdist/tftpfw/pkg/options"
	"github.com/fwdist/tftpfw/pkg/source"
	"github.com/stretchr/testify/assert"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePeer is a handcrafted remote end driven by a script function
type fakePeer struct {
	t    *testing.T
	conn *net.UDPConn
}

func newFakePeer(t *testing.T) *fakePeer {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	assert.Nil(t, err)
	t.Cleanup(func() { conn.Close() })
	return &fakePeer{t: t, conn: conn}
}

func (p *fakePeer) addr() tftpfw.Addr {
	return tftpfw.FromUDPAddr(p.conn.LocalAddr().(*net.UDPAddr))
}

func (p *fakePeer) recv(timeout time.Duration) (tftpfw.Packet, *net.UDPAddr) {
	buf := make([]byte, 65536)
	p.conn.SetReadDeadline(time.Now().Add(timeout))
	n, raddr, err := p.conn.ReadFromUDP(buf)
	assert.Nil(p.t, err)
	pkt, err := tftpfw.Unmarshal(buf[:n])
	assert.Nil(p.t, err)
	return pkt, raddr
}

func (p *fakePeer) send(dst *net.UDPAddr, pkt tftpfw.Packet) {
	b, err := pkt.MarshalBinary()
	assert.Nil(p.t, err)
	_, err = p.conn.WriteToUDP(b, dst)
	assert.Nil(p.t, err)
}

type memWriter struct {
	mu  sync.Mutex
	buf []byte
}

func (m *memWriter) WriteAt(b []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if need := int(off) + len(b); need > len(m.buf) {
		m.buf = append(m.buf, make([]byte, need-len(m.buf))...)
	}
	copy(m.buf[off:], b)
	return len(b), nil
}

// A server that answers an optioned RRQ with plain DATA forces the
// client back to stock option values
func TestClientReadFallbackWithoutOACK(t *testing.T) {
	peer := newFakePeer(t)

	opts := options.New()
	opts.Request = options.RequestRead
	opts.Filename = "fw.bin"
	opts.Mode = options.ModeOctet
	opts.SetBlksize(1024)
	opts.SetTimeout(1)

	dst := &memWriter{}
	sess, err := NewClient(peer.addr(), opts, source.NewStreamWriter(dst), 3, testLogger(), nil)
	assert.Nil(t, err)

	done := make(chan error, 1)
	go func() { done <- sess.Run(context.Background()) }()

	pkt, raddr := peer.recv(3 * time.Second)
	req := pkt.(*tftpfw.Request)
	assert.Equal(t, tftpfw.OpRRQ, req.Opcode)
	assert.NotEmpty(t, req.Options)

	// Ignore the options : reply with a classic 512 byte first block
	payload := bytes.Repeat([]byte{0xAB}, 512)
	peer.send(raddr, &tftpfw.Data{Block: 1, Payload: payload})

	pkt, _ = peer.recv(3 * time.Second)
	assert.Equal(t, uint16(1), pkt.(*tftpfw.Ack).Block)

	peer.send(raddr, &tftpfw.Data{Block: 2, Payload: []byte("tail")})
	pkt, _ = peer.recv(3 * time.Second)
	assert.Equal(t, uint16(2), pkt.(*tftpfw.Ack).Block)

	assert.Nil(t, <-done)
	assert.Equal(t, append(payload, []byte("tail")...), dst.buf)
}

// A server that answers an optioned WRQ with ACK 0 forces the client
// to send stock sized blocks
func TestClientWriteFallbackWithoutOACK(t *testing.T) {
	peer := newFakePeer(t)

	content := bytes.Repeat([]byte{0x5C}, 600)
	opts := options.New()
	opts.Request = options.RequestWrite
	opts.Filename = "up.bin"
	opts.Mode = options.ModeOctet
	opts.SetBlksize(1024)
	opts.SetTimeout(1)

	sess, err := NewClient(peer.addr(), opts,
		source.NewStreamReader(bytes.NewReader(content), int64(len(content))),
		3, testLogger(), nil)
	assert.Nil(t, err)

	done := make(chan error, 1)
	go func() { done <- sess.Run(context.Background()) }()

	pkt, raddr := peer.recv(3 * time.Second)
	assert.Equal(t, tftpfw.OpWRQ, pkt.(*tftpfw.Request).Opcode)

	peer.send(raddr, &tftpfw.Ack{Block: 0})

	pkt, _ = peer.recv(3 * time.Second)
	data := pkt.(*tftpfw.Data)
	assert.Equal(t, uint16(1), data.Block)
	assert.Len(t, data.Payload, 512)
	peer.send(raddr, &tftpfw.Ack{Block: 1})

	pkt, _ = peer.recv(3 * time.Second)
	data = pkt.(*tftpfw.Data)
	assert.Equal(t, uint16(2), data.Block)
	assert.Len(t, data.Payload, 88)
	peer.send(raddr, &tftpfw.Ack{Block: 2})

	assert.Nil(t, <-done)
}

// An ERROR reply surfaces as the session result without any packet
// sent back
func TestClientPeerError(t *testing.T) {
	peer := newFakePeer(t)

	opts := options.New()
	opts.Request = options.RequestRead
	opts.Filename = "nope.bin"
	opts.Mode = options.ModeOctet

	dst := &memWriter{}
	sess, err := NewClient(peer.addr(), opts, source.NewStreamWriter(dst), 3, testLogger(), nil)
	assert.Nil(t, err)

	done := make(chan error, 1)
	go func() { done <- sess.Run(context.Background()) }()

	_, raddr := peer.recv(3 * time.Second)
	peer.send(raddr, &tftpfw.Error{Code: tftpfw.ErrCodeFileNotFound, Msg: "File not found"})

	err = <-done
	var terr *tftpfw.Error
	assert.ErrorAs(t, err, &terr)
	assert.Equal(t, tftpfw.ErrCodeFileNotFound, terr.Code)
}

// Cooperative stop finishes without synthesizing an error
func TestClientStop(t *testing.T) {
	peer := newFakePeer(t)

	opts := options.New()
	opts.Request = options.RequestRead
	opts.Filename = "slow.bin"
	opts.Mode = options.ModeOctet
	opts.SetTimeout(5)

	dst := &memWriter{}
	sess, err := NewClient(peer.addr(), opts, source.NewStreamWriter(dst), 3, testLogger(), nil)
	assert.Nil(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	peer.recv(3 * time.Second)
	cancel()

	select {
	case err := <-done:
		assert.Nil(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}
	assert.True(t, sess.Finished())
}
