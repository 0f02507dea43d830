package mobile

import "net/netip"

// SocketKind selects the transport of a connection slot.
type SocketKind byte

const (
	SockTCP SocketKind = iota
	SockUDP
)

func (k SocketKind) String() string {
	if k == SockUDP {
		return "udp"
	}
	return "tcp"
}

// AddrType selects the address family a socket binds to.
type AddrType byte

const (
	AddrIPv4 AddrType = iota
	AddrIPv6
)

// Timer slots offered by the board clock. Callers latch a timer and later
// ask how many milliseconds have passed; the adapter core never reads the
// wall clock directly.
const (
	TimerDNS = iota
	TimerSerial
	NumTimers = 4
)

// Board is the capability boundary between the adapter core and its host:
// sockets, the persisted configuration blob, timers and diagnostics. The
// core drives every method from the packet-processing goroutine only, so
// implementations never see concurrent calls.
//
// Connection slots are identified by small integers below MaxConnections.
// The core opens, uses and closes slots; the board owns the real sockets
// behind them.
type Board interface {
	// SockOpen prepares slot conn as a socket of the given kind, bound to
	// bindPort (0 for ephemeral).
	SockOpen(conn int, kind SocketKind, addrType AddrType, bindPort uint16) error
	SockClose(conn int)
	SockConnect(conn int, addr netip.AddrPort) error
	SockListen(conn int) error
	// SockAccept promotes a pending inbound connection on a listening slot.
	// The zero AddrPort with a nil error means nobody has called yet.
	SockAccept(conn int) (netip.AddrPort, error)
	// SockSend writes data to the socket. addr is the destination for
	// unconnected datagram sends and the zero AddrPort otherwise.
	SockSend(conn int, data []byte, addr netip.AddrPort) error
	// SockRecv fills buf with at most one datagram or TCP read and reports
	// the sender. n == 0 with a nil error means nothing has arrived yet;
	// an orderly close by the peer is reported as io.EOF. Implementations
	// must return sender addresses in canonical form (IPv4, not
	// IPv4-mapped IPv6) so they compare equal to configured addresses.
	SockRecv(conn int, buf []byte) (n int, sender netip.AddrPort, err error)

	// ConfigRead and ConfigWrite access the fixed ConfigSize-byte persisted
	// configuration blob. The range is validated by the caller.
	ConfigRead(offset int, data []byte) error
	ConfigWrite(offset int, data []byte) error

	TimeLatch(timer int)
	TimeCheckMS(timer int) int64

	// SerialDisable and SerialEnable bracket session boundary resets so the
	// host transport can quiesce while adapter state is torn down.
	SerialDisable()
	SerialEnable()

	// UpdateNumber notifies the host that the number the adapter is engaged
	// with changed; empty means on-hook.
	UpdateNumber(number string)
	DebugLog(msg string)
}
