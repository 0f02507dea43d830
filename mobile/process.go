package mobile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net/netip"
	"sync/atomic"
)

// ProcessPacket runs one protocol transaction: it validates the request,
// enforces the session and connection state machine, performs any board or
// resolver work and rewrites p in place as the response. Every request gets
// a response; violations come back as ERROR packets and leave the state
// untouched. Must be called from a single goroutine per adapter.
func (a *Adapter) ProcessPacket(p *Packet) *Packet {
	if p.Length < 0 || p.Length > MaxDataSize {
		p.SetError(p.Command, ErrCodeBadPacket)
		return p
	}
	switch p.Command {
	case CmdBeginSession:
		return a.cmdBeginSession(p)
	case CmdTelephoneStatus:
		return a.cmdTelephoneStatus(p)
	}
	if !a.SessionBegun() {
		p.SetError(p.Command, ErrCodeNoSession)
		return p
	}
	switch p.Command {
	case CmdEndSession:
		return a.cmdEndSession(p)
	case CmdDialTelephone:
		return a.cmdDialTelephone(p)
	case CmdHangUpTelephone:
		return a.cmdHangUpTelephone(p)
	case CmdWaitForCall:
		return a.cmdWaitForCall(p)
	case CmdTransferData:
		return a.cmdTransferData(p, false)
	case CmdTransferDataEnd:
		return a.cmdTransferData(p, true)
	case CmdReadConfig:
		return a.cmdReadConfig(p)
	case CmdWriteConfig:
		return a.cmdWriteConfig(p)
	case CmdISPLogin:
		return a.cmdISPLogin(p)
	case CmdISPLogout:
		return a.cmdISPLogout(p)
	case CmdOpenTCP:
		return a.cmdOpenTCP(p)
	case CmdCloseTCP:
		return a.cmdCloseTCP(p)
	case CmdDNSQuery:
		return a.cmdDNSQuery(p)
	}
	a.debugf("unknown command %02x", byte(p.Command))
	p.SetError(p.Command, ErrCodeUnknownCommand)
	return p
}

// cmdBeginSession starts a session. Legal in any state and idempotent; an
// already open connection is dropped. The handshake payload is echoed back.
func (a *Adapter) cmdBeginSession(p *Packet) *Packet {
	if !bytes.Equal(p.Payload(), sessionHandshake) {
		p.SetError(CmdBeginSession, ErrCodeBadPacket)
		return p
	}
	a.board.SerialDisable()
	a.resetConnection()
	atomic.StoreUint32(&a.sessionBegun, 1)
	a.board.SerialEnable()
	a.debugf("session begun")
	return p
}

func (a *Adapter) cmdEndSession(p *Packet) *Packet {
	a.board.SerialDisable()
	a.resetConnection()
	atomic.StoreUint32(&a.sessionBegun, 0)
	a.board.SerialEnable()
	a.board.UpdateNumber("")
	a.debugf("session ended")
	p.Length = 0
	return p
}

func (a *Adapter) cmdDialTelephone(p *Packet) *Packet {
	if a.ConnectionState() != StateDisconnected {
		p.SetError(CmdDialTelephone, ErrCodeIllegalState)
		return p
	}
	if p.Length < 2 {
		p.SetError(CmdDialTelephone, ErrCodeBadPacket)
		return p
	}
	number := string(p.Data[1:p.Length])
	for _, isp := range a.cfg.ISPNumbers {
		if number == isp {
			a.ispCall = true
			a.callState = statusOriginate
			a.setConnState(StateCall)
			a.board.UpdateNumber(number)
			a.debugf("dialed access point %s", number)
			p.Length = 0
			return p
		}
	}
	addr, ok := a.peerAddr(number)
	if !ok {
		a.debugf("cannot place call to %s", number)
		p.SetError(CmdDialTelephone, ErrCodeConnectFailed)
		return p
	}
	conn, ok := a.allocConn(SockTCP)
	if !ok {
		p.SetError(CmdDialTelephone, ErrCodeConnectFailed)
		return p
	}
	if err := a.board.SockOpen(conn, SockTCP, addrTypeOf(addr.Addr()), 0); err != nil {
		a.releaseConn(conn)
		p.SetError(CmdDialTelephone, ErrCodeConnectFailed)
		return p
	}
	if err := a.board.SockConnect(conn, addr); err != nil {
		a.closeConn(conn)
		a.debugf("call to %s failed: %v", addr, err)
		p.SetError(CmdDialTelephone, ErrCodeConnectFailed)
		return p
	}
	a.callConn = conn
	a.callState = statusOriginate
	a.setConnState(StateCall)
	a.board.UpdateNumber(number)
	a.debugf("call to %s established", addr)
	p.Length = 0
	return p
}

func (a *Adapter) cmdHangUpTelephone(p *Packet) *Packet {
	if a.ConnectionState() == StateDisconnected {
		p.SetError(CmdHangUpTelephone, ErrCodeIllegalState)
		return p
	}
	a.resetConnection()
	a.board.UpdateNumber("")
	a.debugf("hung up")
	p.Length = 0
	return p
}

// cmdWaitForCall answers with the no-call error until a caller shows up;
// the console polls by repeating the command. The listener stays open
// between polls.
func (a *Adapter) cmdWaitForCall(p *Packet) *Packet {
	if a.ConnectionState() != StateDisconnected {
		p.SetError(CmdWaitForCall, ErrCodeIllegalState)
		return p
	}
	if !a.listening {
		conn, ok := a.allocConn(SockTCP)
		if !ok {
			p.SetError(CmdWaitForCall, ErrCodeConnectFailed)
			return p
		}
		if err := a.board.SockOpen(conn, SockTCP, AddrIPv4, a.cfg.P2PPort); err != nil {
			a.releaseConn(conn)
			p.SetError(CmdWaitForCall, ErrCodeConnectFailed)
			return p
		}
		if err := a.board.SockListen(conn); err != nil {
			a.closeConn(conn)
			p.SetError(CmdWaitForCall, ErrCodeConnectFailed)
			return p
		}
		a.callConn = conn
		a.listening = true
	}
	peer, err := a.board.SockAccept(a.callConn)
	if err != nil {
		a.closeConn(a.callConn)
		a.callConn = -1
		a.listening = false
		p.SetError(CmdWaitForCall, ErrCodeConnectFailed)
		return p
	}
	if !peer.IsValid() {
		p.SetError(CmdWaitForCall, ErrCodeNoCall)
		return p
	}
	a.listening = false
	a.callState = statusRinging
	a.setConnState(StateCall)
	a.board.UpdateNumber(peer.String())
	a.debugf("answered call from %s", peer)
	p.Length = 0
	return p
}

func (a *Adapter) cmdTransferData(p *Packet, end bool) *Packet {
	if !a.tcpOpen {
		p.SetError(p.Command, ErrCodeIllegalState)
		return p
	}
	if p.Length < 1 {
		p.SetError(p.Command, ErrCodeBadPacket)
		return p
	}
	conn := int(p.Data[0])
	if conn != a.tcpConn {
		p.SetError(p.Command, ErrCodeIllegalState)
		return p
	}
	if data := p.Data[1:p.Length]; len(data) > 0 {
		if err := a.board.SockSend(conn, data, netip.AddrPort{}); err != nil {
			a.dropTCP(conn)
			a.debugf("send on conn %d failed: %v", conn, err)
			p.SetError(p.Command, ErrCodeTransferFailed)
			return p
		}
	}
	atomic.AddUint64(&a.packetsSent, 1)
	if end {
		a.dropTCP(conn)
		p.Command = CmdTransferDataEnd
		p.Length = 1
		return p
	}
	n, _, err := a.board.SockRecv(conn, p.Data[1:1+MaxTCPSize])
	if err != nil {
		a.dropTCP(conn)
		if errors.Is(err, io.EOF) {
			// Remote side finished; tell the console.
			p.Command = CmdTransferDataEnd
			p.Length = 1
			return p
		}
		a.debugf("recv on conn %d failed: %v", conn, err)
		p.SetError(p.Command, ErrCodeTransferFailed)
		return p
	}
	p.Length = 1 + n
	return p
}

func (a *Adapter) dropTCP(conn int) {
	a.closeConn(conn)
	a.tcpConn = -1
	a.tcpOpen = false
}

// cmdTelephoneStatus reports the call state, service type and line flags.
// Answerable in every state, session or not.
func (a *Adapter) cmdTelephoneStatus(p *Packet) *Packet {
	flags := byte(statusFlagsBase)
	if a.cfg.Unmetered {
		flags |= statusUnmetered
	}
	p.Data[0] = a.callState
	p.Data[1] = a.cfg.Device.serviceCode()
	p.Data[2] = flags
	p.Length = 3
	return p
}

func (a *Adapter) cmdReadConfig(p *Packet) *Packet {
	if p.Length != 2 {
		p.SetError(CmdReadConfig, ErrCodeBadPacket)
		return p
	}
	offset := int(p.Data[0])
	size := int(p.Data[1])
	if offset+size > ConfigSize {
		p.SetError(CmdReadConfig, ErrCodeConfigAccess)
		return p
	}
	if err := a.board.ConfigRead(offset, p.Data[1:1+size]); err != nil {
		a.debugf("config read failed: %v", err)
		p.SetError(CmdReadConfig, ErrCodeConfigAccess)
		return p
	}
	p.Data[0] = byte(offset)
	p.Length = 1 + size
	return p
}

func (a *Adapter) cmdWriteConfig(p *Packet) *Packet {
	if p.Length < 1 {
		p.SetError(CmdWriteConfig, ErrCodeBadPacket)
		return p
	}
	offset := int(p.Data[0])
	data := p.Data[1:p.Length]
	if offset+len(data) > ConfigSize {
		p.SetError(CmdWriteConfig, ErrCodeConfigAccess)
		return p
	}
	if err := a.board.ConfigWrite(offset, data); err != nil {
		a.debugf("config write failed: %v", err)
		p.SetError(CmdWriteConfig, ErrCodeConfigAccess)
		return p
	}
	p.Length = 0
	return p
}

// cmdISPLogin moves an established call onto the internet. The requested
// resolver addresses override the configured defaults when non-zero; the
// reply reports the assigned client address and the resolvers in effect.
func (a *Adapter) cmdISPLogin(p *Packet) *Packet {
	if a.ConnectionState() != StateCall {
		p.SetError(CmdISPLogin, ErrCodeIllegalState)
		return p
	}
	payload := p.Payload()
	i := 0
	if i >= len(payload) {
		p.SetError(CmdISPLogin, ErrCodeBadPacket)
		return p
	}
	idLen := int(payload[i])
	i += 1 + idLen
	if i >= len(payload) {
		p.SetError(CmdISPLogin, ErrCodeBadPacket)
		return p
	}
	loginID := payload[i-idLen : i]
	pwLen := int(payload[i])
	i += 1 + pwLen
	if i+8 != len(payload) {
		p.SetError(CmdISPLogin, ErrCodeBadPacket)
		return p
	}
	var req1, req2 [4]byte
	copy(req1[:], payload[i:i+4])
	copy(req2[:], payload[i+4:i+8])
	if addr := netip.AddrFrom4(req1); !addr.IsUnspecified() {
		a.dns1 = addr
	}
	if addr := netip.AddrFrom4(req2); !addr.IsUnspecified() {
		a.dns2 = addr
	}
	a.setConnState(StateInternet)
	a.debugf("logged in as %q", loginID)

	assigned := addr4(a.cfg.AssignedAddr)
	dns1 := addr4(a.dns1)
	dns2 := addr4(a.dns2)
	copy(p.Data[0:4], assigned[:])
	copy(p.Data[4:8], dns1[:])
	copy(p.Data[8:12], dns2[:])
	p.Length = 12
	return p
}

func (a *Adapter) cmdISPLogout(p *Packet) *Packet {
	if a.ConnectionState() != StateInternet {
		p.SetError(CmdISPLogout, ErrCodeIllegalState)
		return p
	}
	if a.tcpOpen {
		a.dropTCP(a.tcpConn)
	}
	a.dns1 = a.cfg.DNS1
	a.dns2 = a.cfg.DNS2
	a.setConnState(StateCall)
	a.debugf("logged out")
	p.Length = 0
	return p
}

// cmdOpenTCP connects to the requested address. Legal from CALL as well as
// INTERNET; a successful open is what establishes the internet link when
// the console skips the explicit login.
func (a *Adapter) cmdOpenTCP(p *Packet) *Packet {
	if a.ConnectionState() == StateDisconnected || a.tcpOpen {
		p.SetError(CmdOpenTCP, ErrCodeIllegalState)
		return p
	}
	if p.Length != 6 {
		p.SetError(CmdOpenTCP, ErrCodeBadPacket)
		return p
	}
	var ip [4]byte
	copy(ip[:], p.Data[0:4])
	addr := netip.AddrPortFrom(netip.AddrFrom4(ip), binary.BigEndian.Uint16(p.Data[4:6]))
	conn, ok := a.allocConn(SockTCP)
	if !ok {
		p.SetError(CmdOpenTCP, ErrCodeConnectFailed)
		return p
	}
	if err := a.board.SockOpen(conn, SockTCP, AddrIPv4, 0); err != nil {
		a.releaseConn(conn)
		p.SetError(CmdOpenTCP, ErrCodeConnectFailed)
		return p
	}
	if err := a.board.SockConnect(conn, addr); err != nil {
		a.closeConn(conn)
		a.debugf("connect to %s failed: %v", addr, err)
		p.SetError(CmdOpenTCP, ErrCodeConnectFailed)
		return p
	}
	a.tcpConn = conn
	a.tcpOpen = true
	a.setConnState(StateInternet)
	a.debugf("conn %d open to %s", conn, addr)
	p.Data[0] = byte(conn)
	p.Length = 1
	return p
}

func (a *Adapter) cmdCloseTCP(p *Packet) *Packet {
	if p.Length != 1 {
		p.SetError(CmdCloseTCP, ErrCodeBadPacket)
		return p
	}
	conn := int(p.Data[0])
	if !a.tcpOpen || conn != a.tcpConn {
		p.SetError(CmdCloseTCP, ErrCodeIllegalState)
		return p
	}
	a.dropTCP(conn)
	a.debugf("conn %d closed", conn)
	p.Length = 1
	return p
}

// cmdDNSQuery resolves the hostname in the payload to 4 address bytes.
// Dotted-quad literals are answered without touching the network. A real
// query sends one datagram and polls for the reply until the board clock
// says the configured timeout has passed.
func (a *Adapter) cmdDNSQuery(p *Packet) *Packet {
	if a.ConnectionState() != StateInternet {
		p.SetError(CmdDNSQuery, ErrCodeIllegalState)
		return p
	}
	if p.Length < 1 {
		p.SetError(CmdDNSQuery, ErrCodeBadPacket)
		return p
	}
	host := string(p.Payload())
	if ip, err := netip.ParseAddr(host); err == nil && ip.Is4() {
		v4 := ip.As4()
		p.SetPayload(v4[:])
		return p
	}
	conn, ok := a.allocConn(SockUDP)
	if !ok {
		p.SetError(CmdDNSQuery, ErrCodeResolveFailed)
		return p
	}
	if err := a.board.SockOpen(conn, SockUDP, AddrIPv4, 0); err != nil {
		a.releaseConn(conn)
		p.SetError(CmdDNSQuery, ErrCodeResolveFailed)
		return p
	}
	if err := a.SendQuery(conn, host, DNSTypeA); err != nil {
		a.debugf("dns: %s: %v", host, err)
		p.SetError(CmdDNSQuery, ErrCodeResolveFailed)
		return p
	}
	a.board.TimeLatch(TimerDNS)
	timeoutMS := a.cfg.DNSTimeout.Milliseconds()
	for {
		addr, err := a.RecvQuery(conn)
		if err != nil {
			a.closeConn(conn)
			a.debugf("dns: %s: %v", host, err)
			p.SetError(CmdDNSQuery, ErrCodeResolveFailed)
			return p
		}
		if addr != nil {
			p.SetPayload(addr)
			a.closeConn(conn)
			return p
		}
		if a.board.TimeCheckMS(TimerDNS) > timeoutMS {
			a.closeConn(conn)
			a.debugf("dns: %s: timed out", host)
			p.SetError(CmdDNSQuery, ErrCodeResolveFailed)
			return p
		}
	}
}

// peerAddr resolves a dialed number to a peer address, either from the
// three-digits-per-octet direct encoding or through the host's directory.
func (a *Adapter) peerAddr(number string) (netip.AddrPort, bool) {
	if ip, ok := parseEncodedNumber(number); ok {
		return netip.AddrPortFrom(ip, a.cfg.P2PPort), true
	}
	if a.cfg.ResolveNumber != nil {
		return a.cfg.ResolveNumber(number)
	}
	return netip.AddrPort{}, false
}

// parseEncodedNumber decodes the direct-dial convention of three decimal
// digits per address octet, e.g. "127000000001" for 127.0.0.1.
func parseEncodedNumber(number string) (netip.Addr, bool) {
	if len(number) != 12 {
		return netip.Addr{}, false
	}
	var octets [4]byte
	for i := 0; i < 4; i++ {
		v := 0
		for _, c := range number[i*3 : i*3+3] {
			if c < '0' || c > '9' {
				return netip.Addr{}, false
			}
			v = v*10 + int(c-'0')
		}
		if v > 255 {
			return netip.Addr{}, false
		}
		octets[i] = byte(v)
	}
	return netip.AddrFrom4(octets), true
}

func addrTypeOf(addr netip.Addr) AddrType {
	if addr.Is6() && !addr.Is4In6() {
		return AddrIPv6
	}
	return AddrIPv4
}

func addr4(addr netip.Addr) [4]byte {
	if addr.IsValid() && (addr.Is4() || addr.Is4In6()) {
		return addr.Unmap().As4()
	}
	return [4]byte{}
}
