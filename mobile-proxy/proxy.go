package main

import (
	"context"
	"io"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/jedisct1/dlog"
	netproxy "golang.org/x/net/proxy"

	"github.com/gbmobile/mobile-proxy/mobile"
)

// Every link greets the console with 0x80 | device before the first frame.
const linkHelloBase = 0x80

type Proxy struct {
	linkSeq         uint64
	linksCount      uint32
	maxLinks        uint32
	listenAddresses []string
	linkTimeout     time.Duration
	ioTimeout       time.Duration
	device          mobile.Device
	unmetered       bool
	p2pPort         uint16
	ispNumbers      []string
	assignedAddr    netip.Addr
	dns1            netip.Addr
	dns2            netip.Addr
	dnsPort         uint16
	dnsTimeout      time.Duration
	proxyDialer     netproxy.Dialer
	eeprom          *EEPROM
	peers           *Peers
	relay           *Relay
	metrics         *MetricsCollector
	monitoring      MonitoringConfig
	logMaxSize      int
	logMaxAge       int
	logMaxBackups   int
}

func NewProxy() *Proxy {
	return &Proxy{
		metrics: NewMetricsCollector(),
	}
}

func (proxy *Proxy) StartProxy() {
	if proxy.relay != nil {
		if err := proxy.relay.Start(); err != nil {
			dlog.Fatal(err)
		}
	}
	for _, listenAddrStr := range proxy.listenAddresses {
		if err := proxy.linkListenerFromAddr(listenAddrStr); err != nil {
			dlog.Fatal(err)
		}
	}
	if err := proxy.SystemDListeners(); err != nil {
		dlog.Fatal(err)
	}
	if proxy.monitoring.Enabled {
		if err := StartMonitoring(proxy); err != nil {
			dlog.Fatal(err)
		}
	}
	setupSignalHandler(proxy)
	dlog.Noticef("mobile-proxy is ready - emulated device: %v", proxy.device)
	if err := ServiceManagerReadyNotify(); err != nil {
		dlog.Error(err)
	}
}

func (proxy *Proxy) linkListenerFromAddr(listenAddrStr string) error {
	listenConfig, err := proxy.tcpListenerConfig()
	if err != nil {
		return err
	}
	listener, err := listenConfig.Listen(context.Background(), "tcp", listenAddrStr)
	if err != nil {
		return err
	}
	dlog.Noticef("Now listening to %v [link]", listenAddrStr)
	go proxy.linkListener(listener.(*net.TCPListener))
	return nil
}

func (proxy *Proxy) linkListener(acceptPc *net.TCPListener) {
	defer acceptPc.Close()
	for {
		clientPc, err := acceptPc.Accept()
		if err != nil {
			continue
		}
		go proxy.handleLink(clientPc)
	}
}

// handleLink owns one console connection for its whole lifetime: it greets,
// then forwards each framed command to a fresh adapter and writes back the
// mutated frame.
func (proxy *Proxy) handleLink(clientPc net.Conn) {
	defer clientPc.Close()
	if !proxy.linksCountInc() {
		dlog.Warnf("Too many simultaneous links (max=%d)", proxy.maxLinks)
		return
	}
	defer proxy.linksCountDec()
	linkID := atomic.AddUint64(&proxy.linkSeq, 1)
	board := newNetBoard(proxy, linkID)
	defer board.closeAll()
	adapter, err := mobile.NewAdapter(board, mobile.AdapterConfig{
		Device:        proxy.device,
		Unmetered:     proxy.unmetered,
		DNS1:          proxy.dns1,
		DNS2:          proxy.dns2,
		DNSPort:       proxy.dnsPort,
		DNSTimeout:    proxy.dnsTimeout,
		P2PPort:       proxy.p2pPort,
		AssignedAddr:  proxy.assignedAddrForLink(linkID),
		ISPNumbers:    proxy.ispNumbers,
		ResolveNumber: proxy.peers.ResolveNumber,
	})
	if err != nil {
		dlog.Errorf("link %d: %v", linkID, err)
		return
	}
	defer func() {
		adapter.Reset()
		if err := proxy.eeprom.Sync(); err != nil {
			dlog.Warnf("link %d: %v", linkID, err)
		}
	}()
	remoteAddr := clientPc.RemoteAddr().String()
	proxy.metrics.LinkOpened(linkID, remoteAddr, adapter)
	defer proxy.metrics.LinkClosed(linkID)
	dlog.Infof("link %d: console connected from %v", linkID, remoteAddr)
	clientPc.SetWriteDeadline(time.Now().Add(proxy.ioTimeout))
	if _, err := clientPc.Write([]byte{linkHelloBase | byte(proxy.device)}); err != nil {
		return
	}
	packet := &mobile.Packet{}
	for {
		clientPc.SetDeadline(time.Now().Add(proxy.linkTimeout))
		frame, err := ReadPrefixed(clientPc)
		if err != nil {
			if err != io.EOF {
				dlog.Debugf("link %d: %v", linkID, err)
			}
			return
		}
		packet.Command = mobile.Command(frame[0])
		packet.SetPayload(frame[1:])
		adapter.ProcessPacket(packet)
		response, err := PrefixWithSize(append([]byte{byte(packet.Command)}, packet.Payload()...))
		if err != nil {
			dlog.Errorf("link %d: %v", linkID, err)
			return
		}
		if _, err := clientPc.Write(response); err != nil {
			return
		}
	}
}

// assignedAddrForLink spreads simultaneous links over the address pool so
// that two consoles dialing each other do not report the same session
// address. The pool runs from the configured base to the end of its /24.
func (proxy *Proxy) assignedAddrForLink(linkID uint64) netip.Addr {
	base := proxy.assignedAddr
	if !base.IsValid() {
		return base
	}
	a4 := base.As4()
	if span := uint64(255 - a4[3]); span > 0 {
		a4[3] += byte((linkID - 1) % span)
	}
	return netip.AddrFrom4(a4)
}

func (proxy *Proxy) dialTCP(addrStr string) (net.Conn, error) {
	if proxy.proxyDialer != nil {
		return proxy.proxyDialer.Dial("tcp", addrStr)
	}
	dialer := &net.Dialer{Timeout: proxy.ioTimeout}
	return dialer.Dial("tcp", addrStr)
}

func (proxy *Proxy) linksCountInc() bool {
	for {
		count := atomic.LoadUint32(&proxy.linksCount)
		if count >= proxy.maxLinks {
			return false
		}
		if atomic.CompareAndSwapUint32(&proxy.linksCount, count, count+1) {
			dlog.Debugf("links count: %d", count+1)
			return true
		}
	}
}

func (proxy *Proxy) linksCountDec() {
	for {
		if count := atomic.LoadUint32(&proxy.linksCount); count == 0 || atomic.CompareAndSwapUint32(&proxy.linksCount, count, count-1) {
			break
		}
	}
}
