package main

import (
	"context"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/VividCortex/ewma"
	lru "github.com/hashicorp/golang-lru"
	"github.com/jedisct1/dlog"
	clocksmith "github.com/jedisct1/go-clocksmith"
	"github.com/miekg/dns"
)

const RTTEwmaDecay = 10.0

type CachedResponse struct {
	expiration time.Time
	msg        dns.Msg
}

type RelayUpstream struct {
	name         string
	addr         string
	rtt          ewma.MovingAverage
	lastActionTS time.Time
}

// Relay is the plain-DNS resolver the emulated adapters point their
// consoles at. It answers override rules locally, caches upstream
// responses, and otherwise forwards to whichever upstream currently has
// the lowest round-trip estimate.
type Relay struct {
	sync.RWMutex
	proxy           *Proxy
	listenAddresses []string
	upstreams       []*RelayUpstream
	timeout         time.Duration
	probeInterval   time.Duration
	cache           *lru.ARCCache
	cacheMinTTL     uint32
	cacheMaxTTL     uint32
	cacheNegMinTTL  uint32
	cacheNegMaxTTL  uint32
	overrideFile    string
	staticOverrides map[string]string
	overrides       *PatternMatcher
	queryLog        io.Writer
	servers         []*dns.Server
}

func NewRelay(proxy *Proxy, config RelayConfig) (*Relay, error) {
	relay := Relay{
		proxy:           proxy,
		listenAddresses: config.ListenAddresses,
		timeout:         time.Duration(config.TimeoutMS) * time.Millisecond,
		probeInterval:   time.Duration(config.ProbeInterval) * time.Second,
		cacheMinTTL:     config.CacheMinTTL,
		cacheMaxTTL:     config.CacheMaxTTL,
		cacheNegMinTTL:  config.CacheNegMinTTL,
		cacheNegMaxTTL:  config.CacheNegMaxTTL,
	}
	if len(config.UpstreamServers) == 0 {
		return nil, fmt.Errorf("No upstream servers configured for the DNS relay")
	}
	for _, server := range config.UpstreamServers {
		host, port := ExtractHostAndPort(strings.TrimSpace(server), 53)
		if len(host) == 0 {
			return nil, fmt.Errorf("Invalid upstream server [%s]", server)
		}
		upstream := &RelayUpstream{
			name: server,
			addr: net.JoinHostPort(host, strconv.Itoa(port)),
			rtt:  ewma.NewMovingAverage(RTTEwmaDecay),
		}
		relay.upstreams = append(relay.upstreams, upstream)
	}
	if config.Cache {
		cache, err := lru.NewARC(config.CacheSize)
		if err != nil {
			return nil, err
		}
		relay.cache = cache
	}
	relay.overrideFile = config.OverrideFile
	relay.staticOverrides = config.Overrides
	if len(relay.overrideFile) > 0 || len(relay.staticOverrides) > 0 {
		matcher := NewPatternMatcher()
		if err := relay.loadOverrides(matcher); err != nil {
			return nil, err
		}
		relay.overrides = matcher
	}
	if len(config.QueryLogFile) > 0 {
		relay.queryLog = Logger(proxy.logMaxSize, proxy.logMaxAge, proxy.logMaxBackups, config.QueryLogFile)
	}
	return &relay, nil
}

func (relay *Relay) loadOverrides(matcher *PatternMatcher) error {
	if len(relay.overrideFile) > 0 {
		dlog.Noticef("Loading the set of name override rules from [%s]", relay.overrideFile)
		lines, err := ReadTextFile(relay.overrideFile)
		if err != nil {
			return err
		}
		if err := ProcessConfigLines(lines, func(line string, lineNo int) error {
			pattern, addrsStr, ok := StringTwoFields(line)
			if !ok {
				return fmt.Errorf("Syntax error in override rules at line %d. Expected syntax: example.com 192.168.1.1,192.168.1.2", 1+lineNo)
			}
			return relay.addOverride(matcher, pattern, addrsStr, 1+lineNo)
		}); err != nil {
			return err
		}
	}
	for pattern, addrsStr := range relay.staticOverrides {
		if err := relay.addOverride(matcher, pattern, addrsStr, 0); err != nil {
			return err
		}
	}
	return nil
}

func (relay *Relay) addOverride(matcher *PatternMatcher, pattern string, addrsStr string, lineNo int) error {
	var ips []netip.Addr
	for _, addrStr := range strings.Split(addrsStr, ",") {
		ip, err := netip.ParseAddr(strings.TrimSpace(addrStr))
		if err != nil {
			return fmt.Errorf("Invalid address [%s] in override rule for [%s]", addrStr, pattern)
		}
		ips = append(ips, ip.Unmap())
	}
	return matcher.Add(strings.ToLower(StripTrailingDot(pattern)), ips, lineNo)
}

// ReloadOverrides rebuilds the override rules from their sources and swaps
// them in atomically, so queries in flight keep the previous set.
func (relay *Relay) ReloadOverrides() error {
	if len(relay.overrideFile) == 0 && len(relay.staticOverrides) == 0 {
		return nil
	}
	matcher := NewPatternMatcher()
	if err := relay.loadOverrides(matcher); err != nil {
		return err
	}
	relay.Lock()
	relay.overrides = matcher
	relay.Unlock()
	return nil
}

func (relay *Relay) Start() error {
	for _, listenAddrStr := range relay.listenAddresses {
		udpListenConfig, err := relay.proxy.udpListenerConfig()
		if err != nil {
			return err
		}
		pc, err := udpListenConfig.ListenPacket(context.Background(), "udp", listenAddrStr)
		if err != nil {
			return err
		}
		relay.serveFromPacketConn(pc)
		dlog.Noticef("Now listening to %v [relay-UDP]", listenAddrStr)
		tcpListenConfig, err := relay.proxy.tcpListenerConfig()
		if err != nil {
			return err
		}
		listener, err := tcpListenConfig.Listen(context.Background(), "tcp", listenAddrStr)
		if err != nil {
			return err
		}
		relay.serveFromListener(listener)
		dlog.Noticef("Now listening to %v [relay-TCP]", listenAddrStr)
	}
	if relay.probeInterval > 0 {
		go relay.probeLoop()
	}
	return nil
}

func (relay *Relay) serveFromPacketConn(pc net.PacketConn) {
	relay.registerServer(&dns.Server{PacketConn: pc, Handler: relay})
}

func (relay *Relay) serveFromListener(listener net.Listener) {
	relay.registerServer(&dns.Server{Listener: listener, Handler: relay})
}

func (relay *Relay) registerServer(server *dns.Server) {
	relay.Lock()
	relay.servers = append(relay.servers, server)
	relay.Unlock()
	go func() {
		if err := server.ActivateAndServe(); err != nil {
			dlog.Errorf("DNS relay server exited: %v", err)
		}
	}()
}

func (relay *Relay) Stop() {
	relay.Lock()
	servers := relay.servers
	relay.servers = nil
	relay.Unlock()
	for _, server := range servers {
		server.Shutdown()
	}
}

func (relay *Relay) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	start := time.Now()
	if len(r.Question) != 1 {
		reply := new(dns.Msg)
		reply.SetRcode(r, dns.RcodeRefused)
		w.WriteMsg(reply)
		return
	}
	question := r.Question[0]
	qName, err := NormalizeQName(question.Name)
	if err != nil {
		reply := new(dns.Msg)
		reply.SetRcode(r, dns.RcodeFormatError)
		w.WriteMsg(reply)
		return
	}
	if synth := relay.overrideResponse(r, qName); synth != nil {
		w.WriteMsg(synth)
		relay.logQuery(w, qName, question.Qtype, "SYNTH", "", start)
		return
	}
	cacheKey := computeCacheKey(question.Qtype, question.Qclass, qName)
	if cached := relay.cachedResponse(r, cacheKey); cached != nil {
		w.WriteMsg(cached)
		relay.logQuery(w, qName, question.Qtype, "CACHE", "", start)
		return
	}
	resp, upstreamName, err := relay.exchange(r)
	if err != nil {
		dlog.Debugf("Relay exchange for [%s] failed: %v", qName, err)
		reply := new(dns.Msg)
		reply.SetRcode(r, dns.RcodeServerFailure)
		w.WriteMsg(reply)
		relay.logQuery(w, qName, question.Qtype, "SERVFAIL", "", start)
		return
	}
	relay.cacheResponse(resp, cacheKey)
	w.WriteMsg(resp)
	relay.logQuery(w, qName, question.Qtype, "PASS", upstreamName, start)
}

// overrideResponse synthesizes an answer when a rule covers the name. Only
// address queries are overridden, everything else keeps its normal path.
func (relay *Relay) overrideResponse(r *dns.Msg, qName string) *dns.Msg {
	relay.RLock()
	overrides := relay.overrides
	relay.RUnlock()
	if overrides == nil {
		return nil
	}
	question := r.Question[0]
	if question.Qclass != dns.ClassINET || (question.Qtype != dns.TypeA && question.Qtype != dns.TypeAAAA) {
		return nil
	}
	rule, val, found := overrides.Eval(qName)
	if !found {
		return nil
	}
	synth := EmptyResponseFromMessage(r)
	ttl := relay.cacheMinTTL
	for _, ip := range val.([]netip.Addr) {
		if question.Qtype == dns.TypeA && ip.Is4() {
			rr := new(dns.A)
			rr.Hdr = dns.RR_Header{Name: question.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl}
			rr.A = net.IP(ip.AsSlice())
			synth.Answer = append(synth.Answer, rr)
		} else if question.Qtype == dns.TypeAAAA && ip.Is6() {
			rr := new(dns.AAAA)
			rr.Hdr = dns.RR_Header{Name: question.Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: ttl}
			rr.AAAA = net.IP(ip.AsSlice())
			synth.Answer = append(synth.Answer, rr)
		}
	}
	dlog.Debugf("Name [%s] overridden by rule [%s]", qName, rule)
	return synth
}

func (relay *Relay) cachedResponse(r *dns.Msg, cacheKey [32]byte) *dns.Msg {
	if relay.cache == nil {
		return nil
	}
	cachedAny, ok := relay.cache.Get(cacheKey)
	if !ok {
		return nil
	}
	cached := cachedAny.(*CachedResponse)
	if time.Now().After(cached.expiration) {
		return nil
	}
	synth := cached.msg.Copy()
	synth.Id = r.Id
	synth.Response = true
	synth.Question = r.Question
	updateTTL(synth, cached.expiration)
	return synth
}

func (relay *Relay) cacheResponse(msg *dns.Msg, cacheKey [32]byte) {
	if relay.cache == nil || msg.Truncated {
		return
	}
	if msg.Rcode != dns.RcodeSuccess && msg.Rcode != dns.RcodeNameError {
		return
	}
	ttl := getMinTTL(msg, relay.cacheMinTTL, relay.cacheMaxTTL, relay.cacheNegMinTTL, relay.cacheNegMaxTTL)
	cached := CachedResponse{
		expiration: time.Now().Add(ttl),
		msg:        *msg.Copy(),
	}
	relay.cache.Add(cacheKey, &cached)
	updateTTL(msg, cached.expiration)
}

// exchange tries upstreams starting near the head of the rtt-sorted list
// and falls back to the remaining ones in order. Truncated UDP answers are
// retried over TCP against the same upstream.
func (relay *Relay) exchange(query *dns.Msg) (*dns.Msg, string, error) {
	relay.RLock()
	upstreams := make([]*RelayUpstream, len(relay.upstreams))
	copy(upstreams, relay.upstreams)
	relay.RUnlock()
	if len(upstreams) == 0 {
		return nil, "", fmt.Errorf("No upstream servers")
	}
	first := rand.Intn(Min(len(upstreams), 2))
	var firstErr error
	for i := 0; i < len(upstreams); i++ {
		upstream := upstreams[(first+i)%len(upstreams)]
		upstream.noticeBegin(relay)
		client := &dns.Client{Net: "udp", Timeout: relay.timeout}
		resp, _, err := client.Exchange(query, upstream.addr)
		if err == nil && resp.Truncated {
			client = &dns.Client{Net: "tcp", Timeout: relay.timeout}
			resp, _, err = client.Exchange(query, upstream.addr)
		}
		if err != nil {
			upstream.noticeFailure(relay)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		upstream.noticeSuccess(relay)
		return resp, upstream.name, nil
	}
	return nil, "", firstErr
}

func (upstream *RelayUpstream) noticeBegin(relay *Relay) {
	relay.Lock()
	upstream.lastActionTS = time.Now()
	relay.Unlock()
}

func (upstream *RelayUpstream) noticeFailure(relay *Relay) {
	relay.Lock()
	upstream.rtt.Add(float64(relay.timeout.Nanoseconds() / 1000000))
	relay.Unlock()
}

func (upstream *RelayUpstream) noticeSuccess(relay *Relay) {
	now := time.Now()
	relay.Lock()
	elapsed := now.Sub(upstream.lastActionTS)
	elapsedMs := elapsed.Nanoseconds() / 1000000
	if elapsedMs > 0 && elapsed < relay.timeout {
		upstream.rtt.Add(float64(elapsedMs))
	}
	relay.Unlock()
}

func (relay *Relay) probeLoop() {
	for {
		relay.probe()
		clocksmith.Sleep(relay.probeInterval)
	}
}

// probe measures every upstream with a root NS query and re-sorts the list
// so exchange prefers the fastest ones.
func (relay *Relay) probe() {
	relay.RLock()
	upstreams := make([]*RelayUpstream, len(relay.upstreams))
	copy(upstreams, relay.upstreams)
	relay.RUnlock()
	for _, upstream := range upstreams {
		query := new(dns.Msg)
		query.SetQuestion(".", dns.TypeNS)
		upstream.noticeBegin(relay)
		client := &dns.Client{Net: "udp", Timeout: relay.timeout}
		if _, _, err := client.Exchange(query, upstream.addr); err != nil {
			upstream.noticeFailure(relay)
			continue
		}
		upstream.noticeSuccess(relay)
	}
	relay.Lock()
	sort.SliceStable(relay.upstreams, func(i, j int) bool {
		return relay.upstreams[i].rtt.Value() < relay.upstreams[j].rtt.Value()
	})
	if len(relay.upstreams) > 1 {
		dlog.Debugf("Fastest upstream: %s (rtt: %dms)", relay.upstreams[0].name, int(relay.upstreams[0].rtt.Value()))
	}
	relay.Unlock()
}

func (relay *Relay) logQuery(w dns.ResponseWriter, qName string, qtype uint16, returnCode string, upstreamName string, start time.Time) {
	relay.proxy.metrics.RecordRelayQuery(qTypeString(qtype), returnCode, time.Since(start))
	if relay.queryLog == nil {
		return
	}
	var clientIPStr string
	switch addr := w.RemoteAddr().(type) {
	case *net.UDPAddr:
		clientIPStr = addr.IP.String()
	case *net.TCPAddr:
		clientIPStr = addr.IP.String()
	default:
		clientIPStr = addr.String()
	}
	now := time.Now()
	year, month, day := now.Date()
	hour, minute, second := now.Clock()
	tsStr := fmt.Sprintf("[%d-%02d-%02d %02d:%02d:%02d]", year, int(month), day, hour, minute, second)
	line := fmt.Sprintf("%s\t%s\t%s\t%s\t%s\t%dms\t%s\n",
		tsStr, clientIPStr, StringQuote(qName), qTypeString(qtype), returnCode,
		time.Since(start).Milliseconds(), StringQuote(upstreamName))
	relay.queryLog.Write([]byte(line))
}

func computeCacheKey(qtype uint16, qclass uint16, qName string) [32]byte {
	h := sha512.New512_256()
	var tmp [4]byte
	binary.LittleEndian.PutUint16(tmp[0:2], qtype)
	binary.LittleEndian.PutUint16(tmp[2:4], qclass)
	h.Write(tmp[:])
	h.Write([]byte(qName))
	var sum [32]byte
	h.Sum(sum[:0])
	return sum
}

func qTypeString(qtype uint16) string {
	if str, ok := dns.TypeToString[qtype]; ok {
		return str
	}
	return fmt.Sprintf("TYPE%d", qtype)
}
