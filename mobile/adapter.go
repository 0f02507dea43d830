// Package mobile implements the core of a cellular data-adapter peripheral
// for a handheld game console: the serial command dispatcher, the
// session/connection state machine and an embedded stub DNS resolver. All
// I/O happens through an injected Board, so the package itself never touches
// the network directly.
package mobile

import (
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"
)

// ConnState is the adapter's connection mode. Exactly one is active.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateCall
	StateInternet
)

func (s ConnState) String() string {
	switch s {
	case StateCall:
		return "CALL"
	case StateInternet:
		return "INTERNET"
	}
	return "DISCONNECTED"
}

// Device is the hardware model the adapter reports to the console.
type Device byte

const (
	DeviceBlue   Device = 8
	DeviceYellow Device = 9
	DeviceGreen  Device = 10
	DeviceRed    Device = 11
)

func (d Device) String() string {
	switch d {
	case DeviceBlue:
		return "blue"
	case DeviceYellow:
		return "yellow"
	case DeviceGreen:
		return "green"
	case DeviceRed:
		return "red"
	}
	return fmt.Sprintf("device(%d)", byte(d))
}

// serviceCode is the network-technology octet reported by TELEPHONE_STATUS.
// The yellow and red models were the cdmaOne ones.
func (d Device) serviceCode() byte {
	if d == DeviceYellow || d == DeviceRed {
		return statusServiceCDMA
	}
	return statusServicePDC
}

// Telephone status bytes reported by CmdTelephoneStatus.
const (
	statusIdle        = 0x00
	statusOriginate   = 0x04
	statusRinging     = 0x05
	statusServicePDC  = 0x4D
	statusServiceCDMA = 0x48
	statusFlagsBase   = 0xF0
	statusUnmetered   = 0x01
)

// sessionHandshake is the fixed payload a BEGIN_SESSION must carry.
var sessionHandshake = []byte("NINTENDO")

// AdapterConfig carries the host-chosen settings of one adapter instance.
type AdapterConfig struct {
	Device    Device
	Unmetered bool

	// DNS1 and DNS2 are the default resolvers handed to the console at ISP
	// login and used for DNS_QUERY. DNSPort defaults to 53.
	DNS1, DNS2 netip.Addr
	DNSPort    uint16
	// DNSTimeout bounds one whole resolution attempt.
	DNSTimeout time.Duration

	// P2PPort is used both to listen for incoming calls and as the
	// destination port of number-encoded direct calls.
	P2PPort uint16

	// AssignedAddr is the client address reported by ISP_LOGIN.
	AssignedAddr netip.Addr

	// ISPNumbers lists dialed numbers that reach the access point rather
	// than a peer. Dialing one establishes a call with no socket behind it.
	ISPNumbers []string

	// ResolveNumber, when set, maps a dialed number that is not
	// IP-encoded to a peer address. Returning false rejects the call.
	ResolveNumber func(number string) (netip.AddrPort, bool)
}

const (
	defaultDNSTimeout = 3 * time.Second
	defaultP2PPort    = 1027
	dnsPort           = 53
)

type connSlot struct {
	open bool
	kind SocketKind
}

// AdapterStats is a point-in-time snapshot safe to take from any goroutine.
type AdapterStats struct {
	SessionBegun bool
	Connection   ConnState
	PacketsSent  uint64
}

// Adapter holds the complete state of one emulated peripheral. It is driven
// from a single goroutine via ProcessPacket; only the fields read by
// SessionBegun, ConnectionState and Stats are safe to observe concurrently.
type Adapter struct {
	packetsSent  uint64 // atomic
	sessionBegun uint32 // atomic
	connState    int32  // atomic, holds a ConnState

	board Board
	cfg   AdapterConfig

	conns    [MaxConnections]connSlot
	callConn int
	tcpConn  int
	tcpOpen  bool

	listening bool
	callState byte
	ispCall   bool

	// Effective resolvers; start at the configured defaults, may be
	// replaced for the duration of an ISP session.
	dns1, dns2 netip.Addr

	dns dnsState
}

// NewAdapter validates cfg, applies defaults and returns a ready adapter.
// The resolver transaction id starts at zero for the adapter's lifetime.
func NewAdapter(board Board, cfg AdapterConfig) (*Adapter, error) {
	if board == nil {
		return nil, errors.New("mobile: nil board")
	}
	if cfg.Device == 0 {
		cfg.Device = DeviceBlue
	}
	if cfg.DNSTimeout <= 0 {
		cfg.DNSTimeout = defaultDNSTimeout
	}
	if cfg.P2PPort == 0 {
		cfg.P2PPort = defaultP2PPort
	}
	if cfg.DNSPort == 0 {
		cfg.DNSPort = dnsPort
	}
	for _, addr := range []netip.Addr{cfg.DNS1, cfg.DNS2, cfg.AssignedAddr} {
		if addr.IsValid() && !addr.Is4() && !addr.Is4In6() {
			return nil, fmt.Errorf("mobile: %s is not an IPv4 address", addr)
		}
	}
	a := &Adapter{
		board:    board,
		cfg:      cfg,
		callConn: -1,
		tcpConn:  -1,
		dns1:     cfg.DNS1,
		dns2:     cfg.DNS2,
	}
	a.dns.reset()
	return a, nil
}

// SessionBegun reports whether a session is active. Safe from any goroutine.
func (a *Adapter) SessionBegun() bool {
	return atomic.LoadUint32(&a.sessionBegun) != 0
}

// ConnectionState reports the current connection mode. Safe from any
// goroutine.
func (a *Adapter) ConnectionState() ConnState {
	return ConnState(atomic.LoadInt32(&a.connState))
}

// Stats snapshots the externally visible adapter counters.
func (a *Adapter) Stats() AdapterStats {
	return AdapterStats{
		SessionBegun: a.SessionBegun(),
		Connection:   a.ConnectionState(),
		PacketsSent:  atomic.LoadUint64(&a.packetsSent),
	}
}

// Reset tears down all sockets and returns the adapter to its initial
// state. Hosts call it when the console link drops without END_SESSION.
func (a *Adapter) Reset() {
	a.resetConnection()
	atomic.StoreUint32(&a.sessionBegun, 0)
}

func (a *Adapter) setConnState(s ConnState) {
	atomic.StoreInt32(&a.connState, int32(s))
}

// resetConnection drops every socket and the connection mode, leaving the
// session flag alone. Resolver defaults are restored.
func (a *Adapter) resetConnection() {
	for i := range a.conns {
		if a.conns[i].open {
			a.board.SockClose(i)
			a.conns[i] = connSlot{}
		}
	}
	a.callConn = -1
	a.tcpConn = -1
	a.tcpOpen = false
	a.listening = false
	a.callState = statusIdle
	a.ispCall = false
	a.dns1 = a.cfg.DNS1
	a.dns2 = a.cfg.DNS2
	a.setConnState(StateDisconnected)
}

func (a *Adapter) allocConn(kind SocketKind) (int, bool) {
	for i := range a.conns {
		if !a.conns[i].open {
			a.conns[i] = connSlot{open: true, kind: kind}
			return i, true
		}
	}
	return -1, false
}

// releaseConn forgets a slot without closing the board socket. Used when
// there is no live board socket behind the slot.
func (a *Adapter) releaseConn(conn int) {
	if conn >= 0 && conn < MaxConnections {
		a.conns[conn] = connSlot{}
	}
}

func (a *Adapter) closeConn(conn int) {
	if conn >= 0 && conn < MaxConnections && a.conns[conn].open {
		a.board.SockClose(conn)
		a.conns[conn] = connSlot{}
	}
}

// effectiveDNS picks the resolver address for the next query: the primary
// if configured, the secondary otherwise.
func (a *Adapter) effectiveDNS() (netip.AddrPort, bool) {
	for _, addr := range []netip.Addr{a.dns1, a.dns2} {
		if addr.IsValid() && !addr.IsUnspecified() {
			return netip.AddrPortFrom(addr.Unmap(), a.cfg.DNSPort), true
		}
	}
	return netip.AddrPort{}, false
}

func (a *Adapter) debugf(format string, args ...interface{}) {
	a.board.DebugLog(fmt.Sprintf(format, args...))
}
