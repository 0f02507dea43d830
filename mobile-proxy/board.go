package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/jedisct1/dlog"

	"github.com/gbmobile/mobile-proxy/mobile"
)

// boardPollTimeout is the read deadline behind every non-blocking probe:
// accept polls and receive polls come back empty after this long.
const boardPollTimeout = 20 * time.Millisecond

type netSocket struct {
	kind     mobile.SocketKind
	bindPort uint16
	udp      *net.UDPConn
	stream   net.Conn
	listener *net.TCPListener
}

// netBoard backs one adapter with real sockets. Datagram slots poll with
// short read deadlines so the adapter's command loop never blocks; stream
// sends use the proxy-wide I/O timeout.
type netBoard struct {
	proxy   *Proxy
	linkID  uint64
	sockets [mobile.MaxConnections]*netSocket
	latched [mobile.NumTimers]time.Time
}

func newNetBoard(proxy *Proxy, linkID uint64) *netBoard {
	board := &netBoard{proxy: proxy, linkID: linkID}
	now := time.Now()
	for i := range board.latched {
		board.latched[i] = now
	}
	return board
}

func (board *netBoard) sock(conn int) (*netSocket, error) {
	if conn < 0 || conn >= mobile.MaxConnections || board.sockets[conn] == nil {
		return nil, fmt.Errorf("no socket on conn %d", conn)
	}
	return board.sockets[conn], nil
}

func (board *netBoard) SockOpen(conn int, kind mobile.SocketKind, addrType mobile.AddrType, bindPort uint16) error {
	if conn < 0 || conn >= mobile.MaxConnections {
		return fmt.Errorf("conn %d out of range", conn)
	}
	if addrType != mobile.AddrIPv4 {
		return errors.New("only IPv4 sockets are supported")
	}
	board.SockClose(conn)
	sock := &netSocket{kind: kind, bindPort: bindPort}
	if kind == mobile.SockUDP {
		pc, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(bindPort)})
		if err != nil {
			return err
		}
		sock.udp = pc
	}
	board.sockets[conn] = sock
	return nil
}

func (board *netBoard) SockClose(conn int) {
	if conn < 0 || conn >= mobile.MaxConnections {
		return
	}
	sock := board.sockets[conn]
	if sock == nil {
		return
	}
	if sock.udp != nil {
		sock.udp.Close()
	}
	if sock.stream != nil {
		sock.stream.Close()
	}
	if sock.listener != nil {
		sock.listener.Close()
	}
	board.sockets[conn] = nil
}

func (board *netBoard) SockConnect(conn int, addr netip.AddrPort) error {
	sock, err := board.sock(conn)
	if err != nil {
		return err
	}
	if sock.kind != mobile.SockTCP {
		return errors.New("connect on a datagram socket")
	}
	pc, err := board.proxy.dialTCP(addr.String())
	if err != nil {
		return err
	}
	sock.stream = pc
	return nil
}

func (board *netBoard) SockListen(conn int) error {
	sock, err := board.sock(conn)
	if err != nil {
		return err
	}
	if sock.kind != mobile.SockTCP {
		return errors.New("listen on a datagram socket")
	}
	lc, err := board.proxy.tcpListenerConfig()
	if err != nil {
		return err
	}
	listener, err := lc.Listen(context.Background(), "tcp", fmt.Sprintf(":%d", sock.bindPort))
	if err != nil {
		return err
	}
	sock.listener = listener.(*net.TCPListener)
	return nil
}

func (board *netBoard) SockAccept(conn int) (netip.AddrPort, error) {
	sock, err := board.sock(conn)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if sock.listener == nil {
		return netip.AddrPort{}, errors.New("socket is not listening")
	}
	sock.listener.SetDeadline(time.Now().Add(boardPollTimeout))
	pc, err := sock.listener.AcceptTCP()
	if err != nil {
		if neterr, ok := err.(net.Error); ok && neterr.Timeout() {
			return netip.AddrPort{}, nil
		}
		return netip.AddrPort{}, err
	}
	peer := addrPortOf(pc.RemoteAddr())
	if !board.proxy.peers.CallerAllowed(peer.Addr()) {
		dlog.Warnf("link %d: rejected call from %s", board.linkID, peer)
		pc.Close()
		return netip.AddrPort{}, nil
	}
	// The listening slot becomes the call connection.
	sock.listener.Close()
	sock.listener = nil
	sock.stream = pc
	return peer, nil
}

func (board *netBoard) SockSend(conn int, data []byte, addr netip.AddrPort) error {
	sock, err := board.sock(conn)
	if err != nil {
		return err
	}
	if sock.kind == mobile.SockUDP {
		if addr.IsValid() {
			_, err = sock.udp.WriteToUDPAddrPort(data, addr)
		} else {
			_, err = sock.udp.Write(data)
		}
		return err
	}
	if sock.stream == nil {
		return errors.New("socket is not connected")
	}
	sock.stream.SetWriteDeadline(time.Now().Add(board.proxy.ioTimeout))
	for len(data) > 0 {
		n, err := sock.stream.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func (board *netBoard) SockRecv(conn int, buf []byte) (int, netip.AddrPort, error) {
	sock, err := board.sock(conn)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	if sock.kind == mobile.SockUDP {
		sock.udp.SetReadDeadline(time.Now().Add(boardPollTimeout))
		n, sender, err := sock.udp.ReadFromUDPAddrPort(buf)
		if err != nil {
			if neterr, ok := err.(net.Error); ok && neterr.Timeout() {
				return 0, netip.AddrPort{}, nil
			}
			return 0, netip.AddrPort{}, err
		}
		return n, netip.AddrPortFrom(sender.Addr().Unmap(), sender.Port()), nil
	}
	if sock.stream == nil {
		return 0, netip.AddrPort{}, errors.New("socket is not connected")
	}
	sock.stream.SetReadDeadline(time.Now().Add(boardPollTimeout))
	n, err := sock.stream.Read(buf)
	if n > 0 {
		// Data first. An error riding along with it, a close included,
		// resurfaces on the next poll.
		return n, netip.AddrPort{}, nil
	}
	if err != nil {
		if neterr, ok := err.(net.Error); ok && neterr.Timeout() {
			return 0, netip.AddrPort{}, nil
		}
		return 0, netip.AddrPort{}, err
	}
	return 0, netip.AddrPort{}, nil
}

func (board *netBoard) ConfigRead(offset int, data []byte) error {
	return board.proxy.eeprom.Read(offset, data)
}

func (board *netBoard) ConfigWrite(offset int, data []byte) error {
	return board.proxy.eeprom.Write(offset, data)
}

func (board *netBoard) TimeLatch(timer int) {
	if timer >= 0 && timer < mobile.NumTimers {
		board.latched[timer] = time.Now()
	}
}

func (board *netBoard) TimeCheckMS(timer int) int64 {
	if timer < 0 || timer >= mobile.NumTimers {
		return 0
	}
	return time.Since(board.latched[timer]).Milliseconds()
}

// Frames arrive whole over the link, there is no serial interrupt to mask.
func (board *netBoard) SerialDisable() {}
func (board *netBoard) SerialEnable() {}

func (board *netBoard) UpdateNumber(number string) {
	board.proxy.metrics.LinkNumber(board.linkID, number)
}

func (board *netBoard) DebugLog(msg string) {
	dlog.Debugf("link %d: %s", board.linkID, msg)
}

func (board *netBoard) closeAll() {
	for conn := range board.sockets {
		board.SockClose(conn)
	}
}

func addrPortOf(addr net.Addr) netip.AddrPort {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}
	}
	ip, ok := netip.AddrFromSlice(tcpAddr.IP)
	if !ok {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(tcpAddr.Port))
}
