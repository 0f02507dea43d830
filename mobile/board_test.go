package mobile

import (
	"errors"
	"fmt"
	"net/netip"
	"testing"
)

// fakeBoard is a scripted in-memory Board. Receives and accepts are fed
// through queues; every empty receive poll advances the fake clock so
// timeout loops terminate.
type fakeBoard struct {
	clockMS    int64
	pollTickMS int64
	latched    [NumTimers]int64

	sockets map[int]*fakeSocket
	closed  []int

	blob    [ConfigSize]byte
	logs    []string
	numbers []string

	openErr    error
	connectErr error
	listenErr  error
	sendErr    error
	acceptErr  error

	// onSend, when set, runs after every successful SockSend. Tests use it
	// to script a remote peer answering a datagram.
	onSend func(conn int, data []byte, addr netip.AddrPort)
}

type fakeSocket struct {
	kind      SocketKind
	bindPort  uint16
	connected netip.AddrPort
	listening bool

	sent   [][]byte
	sentTo []netip.AddrPort

	recvq   []fakeChunk
	acceptq []netip.AddrPort
}

type fakeChunk struct {
	data   []byte
	sender netip.AddrPort
	err    error
}

func newFakeBoard() *fakeBoard {
	return &fakeBoard{
		pollTickMS: 20,
		sockets:    make(map[int]*fakeSocket),
	}
}

func (b *fakeBoard) sock(conn int) *fakeSocket {
	return b.sockets[conn]
}

func (b *fakeBoard) queueDatagram(conn int, data []byte, sender netip.AddrPort) {
	if s := b.sockets[conn]; s != nil {
		s.recvq = append(s.recvq, fakeChunk{data: data, sender: sender})
	}
}

func (b *fakeBoard) queueErr(conn int, err error) {
	if s := b.sockets[conn]; s != nil {
		s.recvq = append(s.recvq, fakeChunk{err: err})
	}
}

func (b *fakeBoard) SockOpen(conn int, kind SocketKind, addrType AddrType, bindPort uint16) error {
	if b.openErr != nil {
		return b.openErr
	}
	b.sockets[conn] = &fakeSocket{kind: kind, bindPort: bindPort}
	return nil
}

func (b *fakeBoard) SockClose(conn int) {
	delete(b.sockets, conn)
	b.closed = append(b.closed, conn)
}

func (b *fakeBoard) SockConnect(conn int, addr netip.AddrPort) error {
	if b.connectErr != nil {
		return b.connectErr
	}
	s := b.sockets[conn]
	if s == nil {
		return errors.New("no such socket")
	}
	s.connected = addr
	return nil
}

func (b *fakeBoard) SockListen(conn int) error {
	if b.listenErr != nil {
		return b.listenErr
	}
	s := b.sockets[conn]
	if s == nil {
		return errors.New("no such socket")
	}
	s.listening = true
	return nil
}

func (b *fakeBoard) SockAccept(conn int) (netip.AddrPort, error) {
	if b.acceptErr != nil {
		return netip.AddrPort{}, b.acceptErr
	}
	s := b.sockets[conn]
	if s == nil {
		return netip.AddrPort{}, errors.New("no such socket")
	}
	if len(s.acceptq) == 0 {
		return netip.AddrPort{}, nil
	}
	peer := s.acceptq[0]
	s.acceptq = s.acceptq[1:]
	s.listening = false
	return peer, nil
}

func (b *fakeBoard) SockSend(conn int, data []byte, addr netip.AddrPort) error {
	if b.sendErr != nil {
		return b.sendErr
	}
	s := b.sockets[conn]
	if s == nil {
		return errors.New("no such socket")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.sent = append(s.sent, buf)
	s.sentTo = append(s.sentTo, addr)
	if b.onSend != nil {
		b.onSend(conn, buf, addr)
	}
	return nil
}

func (b *fakeBoard) SockRecv(conn int, buf []byte) (int, netip.AddrPort, error) {
	s := b.sockets[conn]
	if s == nil {
		return 0, netip.AddrPort{}, errors.New("no such socket")
	}
	if len(s.recvq) == 0 {
		b.clockMS += b.pollTickMS
		return 0, netip.AddrPort{}, nil
	}
	chunk := s.recvq[0]
	s.recvq = s.recvq[1:]
	if chunk.err != nil {
		return 0, netip.AddrPort{}, chunk.err
	}
	return copy(buf, chunk.data), chunk.sender, nil
}

func (b *fakeBoard) ConfigRead(offset int, data []byte) error {
	if offset < 0 || offset+len(data) > ConfigSize {
		return errors.New("config read out of range")
	}
	copy(data, b.blob[offset:offset+len(data)])
	return nil
}

func (b *fakeBoard) ConfigWrite(offset int, data []byte) error {
	if offset < 0 || offset+len(data) > ConfigSize {
		return errors.New("config write out of range")
	}
	copy(b.blob[offset:offset+len(data)], data)
	return nil
}

func (b *fakeBoard) TimeLatch(timer int) {
	b.latched[timer] = b.clockMS
}

func (b *fakeBoard) TimeCheckMS(timer int) int64 {
	return b.clockMS - b.latched[timer]
}

func (b *fakeBoard) SerialDisable() {}
func (b *fakeBoard) SerialEnable() {}

func (b *fakeBoard) UpdateNumber(number string) {
	b.numbers = append(b.numbers, number)
}

func (b *fakeBoard) DebugLog(msg string) {
	b.logs = append(b.logs, msg)
}

var (
	testResolverAddr = netip.MustParseAddr("10.0.0.53")
	testResolver     = netip.AddrPortFrom(testResolverAddr, 53)
)

func newTestAdapter(t *testing.T, cfg AdapterConfig) (*Adapter, *fakeBoard) {
	t.Helper()
	board := newFakeBoard()
	if !cfg.DNS1.IsValid() {
		cfg.DNS1 = testResolverAddr
	}
	if len(cfg.ISPNumbers) == 0 {
		cfg.ISPNumbers = []string{"#9677"}
	}
	adapter, err := NewAdapter(board, cfg)
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	return adapter, board
}

func request(cmd Command, payload []byte) *Packet {
	p := &Packet{Command: cmd}
	p.SetPayload(payload)
	return p
}

func describe(p *Packet) string {
	if p.Command == CmdError && p.Length == 2 {
		return fmt.Sprintf("ERROR for %v: %v", Command(p.Data[0]), ErrCode(p.Data[1]))
	}
	return fmt.Sprintf("%v (%d bytes)", p.Command, p.Length)
}

func mustSucceed(t *testing.T, a *Adapter, p *Packet) *Packet {
	t.Helper()
	resp := a.ProcessPacket(p)
	if resp.Command == CmdError {
		t.Fatalf("%v unexpectedly failed: %s", Command(resp.Data[0]), describe(resp))
	}
	return resp
}

func mustFail(t *testing.T, a *Adapter, p *Packet, code ErrCode) *Packet {
	t.Helper()
	cmd := p.Command
	resp := a.ProcessPacket(p)
	if resp.Command != CmdError {
		t.Fatalf("%v unexpectedly succeeded: %s", cmd, describe(resp))
	}
	if got := ErrCode(resp.Data[1]); got != code {
		t.Fatalf("%v failed with %v, want %v", Command(resp.Data[0]), got, code)
	}
	return resp
}

func beginSession(t *testing.T, a *Adapter) {
	t.Helper()
	mustSucceed(t, a, request(CmdBeginSession, sessionHandshake))
}

// bringOnline walks the adapter to the INTERNET state through the access
// point path: session, ISP dial, login.
func bringOnline(t *testing.T, a *Adapter) {
	t.Helper()
	beginSession(t, a)
	mustSucceed(t, a, request(CmdDialTelephone, append([]byte{1}, "#9677"...)))
	login := []byte{0, 0}
	login = append(login, make([]byte, 8)...)
	mustSucceed(t, a, request(CmdISPLogin, login))
	if got := a.ConnectionState(); got != StateInternet {
		t.Fatalf("connection state = %v after login, want INTERNET", got)
	}
}
