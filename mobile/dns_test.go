package mobile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func wireName(name string) []byte {
	var out []byte
	for _, label := range strings.Split(name, ".") {
		out = append(out, byte(len(label)))
		out = append(out, label...)
	}
	return append(out, 0)
}

func respHeader(id uint16, flags uint16, qd, an int) []byte {
	h := make([]byte, dnsHeaderLen)
	binary.BigEndian.PutUint16(h[0:2], id)
	binary.BigEndian.PutUint16(h[2:4], flags)
	binary.BigEndian.PutUint16(h[4:6], uint16(qd))
	binary.BigEndian.PutUint16(h[6:8], uint16(an))
	return h
}

func questionSection(name string, qtype DNSType) []byte {
	q := wireName(name)
	return append(q, byte(qtype>>8), byte(qtype), 0, qclassIN)
}

// packedReply builds a well-formed response with one A record through a
// second, independent implementation.
func packedReply(t *testing.T, id uint16, name string, ip net.IP, compress bool) []byte {
	t.Helper()
	msg := new(dns.Msg)
	msg.Id = id
	msg.Response = true
	msg.RecursionDesired = true
	msg.RecursionAvailable = true
	msg.Question = []dns.Question{{Name: dns.Fqdn(name), Qtype: dns.TypeA, Qclass: dns.ClassINET}}
	msg.Answer = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
		A:   ip,
	}}
	msg.Compress = compress
	wire, err := msg.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	return wire
}

// sendTestQuery opens a scratch UDP slot and sends a query on it.
func sendTestQuery(t *testing.T, a *Adapter, board *fakeBoard, host string) int {
	t.Helper()
	conn, ok := a.allocConn(SockUDP)
	if !ok {
		t.Fatal("no free connection slot")
	}
	if err := board.SockOpen(conn, SockUDP, AddrIPv4, 0); err != nil {
		t.Fatalf("SockOpen: %v", err)
	}
	if err := a.SendQuery(conn, host, DNSTypeA); err != nil {
		t.Fatalf("SendQuery: %v", err)
	}
	return conn
}

func decodeEncodedName(t *testing.T, d *dnsState) string {
	t.Helper()
	var labels []string
	for i := 0; ; {
		if i >= d.nameLen {
			t.Fatalf("encoded name has no terminator: % x", d.name[:d.nameLen])
		}
		n := int(d.name[i])
		i++
		if n == 0 {
			if i != d.nameLen {
				t.Fatalf("trailing bytes after terminator: % x", d.name[:d.nameLen])
			}
			break
		}
		labels = append(labels, string(d.name[i:i+n]))
		i += n
	}
	return strings.Join(labels, ".")
}

func TestEncodeNameRoundTrip(t *testing.T) {
	names := []string{
		"example.com",
		"a.b.c.d.e",
		"x",
		strings.Repeat("y", 63) + ".dev",
		"www.example.com.",
	}
	for _, name := range names {
		var d dnsState
		if err := d.encodeName(name); err != nil {
			t.Errorf("encodeName(%q): %v", name, err)
			continue
		}
		want := strings.TrimSuffix(name, ".")
		if got := decodeEncodedName(t, &d); got != want {
			t.Errorf("round trip of %q gave %q", name, got)
		}
	}
}

func TestEncodeNameRejects(t *testing.T) {
	long := strings.Repeat("z", 63)
	cases := []struct {
		name string
		err  error
	}{
		{"", ErrBadName},
		{".", ErrBadName},
		{"a..b", ErrBadName},
		{".example.com", ErrBadName},
		{strings.Repeat("z", 64) + ".com", ErrBadName},
		{strings.Join([]string{long, long, long, long}, "."), ErrNameTooLong},
	}
	for _, tc := range cases {
		var d dnsState
		err := d.encodeName(tc.name)
		if !errors.Is(err, tc.err) {
			t.Errorf("encodeName(%q) = %v, want %v", tc.name, err, tc.err)
		}
	}
}

func TestQueryIDFreshAndWrapping(t *testing.T) {
	var d dnsState
	if err := d.encodeName("example.com"); err != nil {
		t.Fatal(err)
	}
	first := binary.BigEndian.Uint16(d.buildQuery(DNSTypeA)[0:2])
	second := binary.BigEndian.Uint16(d.buildQuery(DNSTypeA)[0:2])
	if first == second {
		t.Fatalf("consecutive queries share id %04x", first)
	}
	d.id = 0xFFFF
	if got := binary.BigEndian.Uint16(d.buildQuery(DNSTypeA)[0:2]); got != 0 {
		t.Fatalf("id after 0xFFFF = %04x, want 0", got)
	}
}

func TestQueryWireShape(t *testing.T) {
	var d dnsState
	if err := d.encodeName("example.com"); err != nil {
		t.Fatal(err)
	}
	wire := d.buildQuery(DNSTypeA)
	var msg dns.Msg
	if err := msg.Unpack(wire); err != nil {
		t.Fatalf("built query does not parse: %v", err)
	}
	if msg.Id != d.id {
		t.Errorf("id = %04x, want %04x", msg.Id, d.id)
	}
	if msg.Response || !msg.RecursionDesired || msg.Opcode != dns.OpcodeQuery {
		t.Errorf("bad flags: %v", msg.MsgHdr)
	}
	if len(msg.Question) != 1 || len(msg.Answer) != 0 {
		t.Fatalf("sections: %d questions, %d answers", len(msg.Question), len(msg.Answer))
	}
	q := msg.Question[0]
	if q.Name != "example.com." || q.Qtype != dns.TypeA || q.Qclass != dns.ClassINET {
		t.Errorf("question = %+v", q)
	}
}

func TestRecvIgnoresStrangers(t *testing.T) {
	a, board := newTestAdapter(t, AdapterConfig{})
	conn := sendTestQuery(t, a, board, "example.com")
	reply := packedReply(t, a.dns.id, "example.com", net.IPv4(93, 184, 216, 34), false)

	spoofer := netip.MustParseAddrPort("10.9.9.9:53")
	board.queueDatagram(conn, reply, spoofer)
	addr, err := a.RecvQuery(conn)
	if err != nil || addr != nil {
		t.Fatalf("stray datagram: addr=%v err=%v, want pending", addr, err)
	}

	addr, err = a.RecvQuery(conn)
	if err != nil || addr != nil {
		t.Fatalf("empty poll: addr=%v err=%v, want pending", addr, err)
	}

	board.queueDatagram(conn, reply, testResolver)
	addr, err = a.RecvQuery(conn)
	if err != nil {
		t.Fatalf("RecvQuery: %v", err)
	}
	if !bytes.Equal(addr, []byte{93, 184, 216, 34}) {
		t.Fatalf("resolved %v", addr)
	}
}

func TestRecvRejectsIDMismatch(t *testing.T) {
	a, board := newTestAdapter(t, AdapterConfig{})
	conn := sendTestQuery(t, a, board, "example.com")
	reply := packedReply(t, a.dns.id+1, "example.com", net.IPv4(1, 2, 3, 4), false)
	board.queueDatagram(conn, reply, testResolver)
	if _, err := a.RecvQuery(conn); !errors.Is(err, ErrIDMismatch) {
		t.Fatalf("err = %v, want %v", err, ErrIDMismatch)
	}
}

func TestRecvReportsRcode(t *testing.T) {
	a, board := newTestAdapter(t, AdapterConfig{})
	conn := sendTestQuery(t, a, board, "nxdomain.example")
	msg := new(dns.Msg)
	msg.Id = a.dns.id
	msg.Response = true
	msg.RecursionDesired = true
	msg.RecursionAvailable = true
	msg.Rcode = dns.RcodeNameError
	msg.Question = []dns.Question{{Name: "nxdomain.example.", Qtype: dns.TypeA, Qclass: dns.ClassINET}}
	wire, err := msg.Pack()
	if err != nil {
		t.Fatal(err)
	}
	board.queueDatagram(conn, wire, testResolver)
	_, err = a.RecvQuery(conn)
	var rcErr *ResponseCodeError
	if !errors.As(err, &rcErr) || rcErr.Rcode != dns.RcodeNameError {
		t.Fatalf("err = %v, want rcode %d", err, dns.RcodeNameError)
	}
}

func TestRecvAcceptsCompressedAndPlainNames(t *testing.T) {
	for _, compress := range []bool{false, true} {
		a, board := newTestAdapter(t, AdapterConfig{})
		conn := sendTestQuery(t, a, board, "example.com")
		reply := packedReply(t, a.dns.id, "example.com", net.IPv4(93, 184, 216, 34), compress)
		board.queueDatagram(conn, reply, testResolver)
		addr, err := a.RecvQuery(conn)
		if err != nil {
			t.Fatalf("compress=%v: %v", compress, err)
		}
		if !bytes.Equal(addr, []byte{93, 184, 216, 34}) {
			t.Fatalf("compress=%v: resolved %v", compress, addr)
		}
	}
}

func TestRecvRejectsQuestionDivergence(t *testing.T) {
	a, board := newTestAdapter(t, AdapterConfig{})
	conn := sendTestQuery(t, a, board, "example.com")

	// One byte off in the question name.
	buf := respHeader(a.dns.id, 0x8180, 1, 1)
	buf = append(buf, questionSection("exbmple.com", DNSTypeA)...)
	buf = append(buf, 0xC0, 0x0C)
	buf = append(buf, 0, 1, 0, qclassIN, 0, 0, 0, 60, 0, 4, 1, 2, 3, 4)
	board.queueDatagram(conn, buf, testResolver)
	if _, err := a.RecvQuery(conn); !errors.Is(err, ErrBadQuestion) {
		t.Fatalf("err = %v, want %v", err, ErrBadQuestion)
	}
}

func TestRecvRejectsQuestionTypeMismatch(t *testing.T) {
	a, board := newTestAdapter(t, AdapterConfig{})
	conn := sendTestQuery(t, a, board, "example.com")
	buf := respHeader(a.dns.id, 0x8180, 1, 1)
	buf = append(buf, questionSection("example.com", DNSTypeAAAA)...)
	buf = append(buf, 0xC0, 0x0C)
	buf = append(buf, 0, 1, 0, qclassIN, 0, 0, 0, 60, 0, 4, 1, 2, 3, 4)
	board.queueDatagram(conn, buf, testResolver)
	if _, err := a.RecvQuery(conn); !errors.Is(err, ErrBadQuestion) {
		t.Fatalf("err = %v, want %v", err, ErrBadQuestion)
	}
}

func TestRecvRejectsBadCounts(t *testing.T) {
	a, board := newTestAdapter(t, AdapterConfig{})
	conn := sendTestQuery(t, a, board, "example.com")
	for _, counts := range [][2]int{{2, 1}, {0, 1}, {1, 0}} {
		buf := respHeader(a.dns.id, 0x8180, counts[0], counts[1])
		buf = append(buf, questionSection("example.com", DNSTypeA)...)
		board.queueDatagram(conn, buf, testResolver)
		if _, err := a.RecvQuery(conn); !errors.Is(err, ErrBadCounts) {
			t.Fatalf("counts %v: err = %v, want %v", counts, err, ErrBadCounts)
		}
	}
}

// An answer whose owner is not the queried name is passed over without
// being accepted, and without derailing the scan of the records behind it.
func TestAnswerOwnerDivergenceSkipped(t *testing.T) {
	a, board := newTestAdapter(t, AdapterConfig{})
	conn := sendTestQuery(t, a, board, "example.com")

	buf := respHeader(a.dns.id, 0x8180, 1, 2)
	buf = append(buf, questionSection("example.com", DNSTypeA)...)
	// Wrong owner: www.example.com via a partial compression pointer.
	buf = append(buf, 3, 'w', 'w', 'w', 0xC0, 0x0C)
	buf = append(buf, 0, 1, 0, qclassIN, 0, 0, 0, 60, 0, 4, 9, 9, 9, 9)
	// Right owner behind it.
	buf = append(buf, 0xC0, 0x0C)
	buf = append(buf, 0, 1, 0, qclassIN, 0, 0, 0, 60, 0, 4, 93, 184, 216, 34)
	board.queueDatagram(conn, buf, testResolver)

	addr, err := a.RecvQuery(conn)
	if err != nil {
		t.Fatalf("RecvQuery: %v", err)
	}
	if !bytes.Equal(addr, []byte{93, 184, 216, 34}) {
		t.Fatalf("resolved %v, want the second record", addr)
	}
}

func TestAnswerRdlengthFilter(t *testing.T) {
	a, board := newTestAdapter(t, AdapterConfig{})
	conn := sendTestQuery(t, a, board, "example.com")

	buf := respHeader(a.dns.id, 0x8180, 1, 2)
	buf = append(buf, questionSection("example.com", DNSTypeA)...)
	// Type A with a 5-byte RDATA must be skipped, not accepted.
	buf = append(buf, 0xC0, 0x0C)
	buf = append(buf, 0, 1, 0, qclassIN, 0, 0, 0, 60, 0, 5, 1, 2, 3, 4, 5)
	buf = append(buf, 0xC0, 0x0C)
	buf = append(buf, 0, 1, 0, qclassIN, 0, 0, 0, 60, 0, 4, 93, 184, 216, 34)
	board.queueDatagram(conn, buf, testResolver)

	addr, err := a.RecvQuery(conn)
	if err != nil {
		t.Fatalf("RecvQuery: %v", err)
	}
	if !bytes.Equal(addr, []byte{93, 184, 216, 34}) {
		t.Fatalf("resolved %v", addr)
	}
}

func TestIntermediateCNAMESkipped(t *testing.T) {
	a, board := newTestAdapter(t, AdapterConfig{})
	conn := sendTestQuery(t, a, board, "example.com")

	target := wireName("edge.example.org")
	buf := respHeader(a.dns.id, 0x8180, 1, 2)
	buf = append(buf, questionSection("example.com", DNSTypeA)...)
	buf = append(buf, 0xC0, 0x0C)
	buf = append(buf, 0, 5, 0, qclassIN, 0, 0, 0, 60, 0, byte(len(target)))
	buf = append(buf, target...)
	buf = append(buf, 0xC0, 0x0C)
	buf = append(buf, 0, 1, 0, qclassIN, 0, 0, 0, 60, 0, 4, 93, 184, 216, 34)
	board.queueDatagram(conn, buf, testResolver)

	addr, err := a.RecvQuery(conn)
	if err != nil {
		t.Fatalf("RecvQuery: %v", err)
	}
	if !bytes.Equal(addr, []byte{93, 184, 216, 34}) {
		t.Fatalf("resolved %v", addr)
	}
}

// A response whose every record fails the filter must fail the resolution
// rather than hand back whatever the answer buffer held before.
func TestAllRecordsFilteredFails(t *testing.T) {
	a, board := newTestAdapter(t, AdapterConfig{})
	conn := sendTestQuery(t, a, board, "example.com")

	buf := respHeader(a.dns.id, 0x8180, 1, 1)
	buf = append(buf, questionSection("example.com", DNSTypeA)...)
	buf = append(buf, 0xC0, 0x0C)
	buf = append(buf, 0, 16, 0, qclassIN, 0, 0, 0, 60, 0, 4, 1, 2, 3, 4)
	board.queueDatagram(conn, buf, testResolver)

	if _, err := a.RecvQuery(conn); !errors.Is(err, ErrNoAnswer) {
		t.Fatalf("err = %v, want %v", err, ErrNoAnswer)
	}
}

func TestPointerCycleFailsBounded(t *testing.T) {
	a, board := newTestAdapter(t, AdapterConfig{})
	conn := sendTestQuery(t, a, board, "example.com")

	buf := respHeader(a.dns.id, 0x8180, 1, 1)
	buf = append(buf, questionSection("example.com", DNSTypeA)...)
	self := len(buf)
	buf = append(buf, 0xC0, byte(self))
	buf = append(buf, 0, 1, 0, qclassIN, 0, 0, 0, 60, 0, 4, 1, 2, 3, 4)
	board.queueDatagram(conn, buf, testResolver)

	if _, err := a.RecvQuery(conn); !errors.Is(err, ErrBadPointer) {
		t.Fatalf("err = %v, want %v", err, ErrBadPointer)
	}
}

func TestPointerChainTooDeepFails(t *testing.T) {
	a, board := newTestAdapter(t, AdapterConfig{})
	conn := sendTestQuery(t, a, board, "example.com")

	buf := respHeader(a.dns.id, 0x8180, 1, 1)
	buf = append(buf, questionSection("example.com", DNSTypeA)...)
	// 17 pointers each hopping to the next, landing on the question name.
	start := len(buf)
	for i := 0; i < 17; i++ {
		next := start + 2*(i+1)
		if i == 16 {
			next = dnsHeaderLen
		}
		buf = append(buf, 0xC0|byte(next>>8), byte(next))
	}
	buf = append(buf, 0, 1, 0, qclassIN, 0, 0, 0, 60, 0, 4, 1, 2, 3, 4)
	board.queueDatagram(conn, buf, testResolver)

	if _, err := a.RecvQuery(conn); !errors.Is(err, ErrBadPointer) {
		t.Fatalf("err = %v, want %v", err, ErrBadPointer)
	}
}

func TestPointerTargetOutOfBounds(t *testing.T) {
	a, board := newTestAdapter(t, AdapterConfig{})
	conn := sendTestQuery(t, a, board, "example.com")

	buf := respHeader(a.dns.id, 0x8180, 1, 1)
	buf = append(buf, questionSection("example.com", DNSTypeA)...)
	buf = append(buf, 0xC3, 0xFF)
	buf = append(buf, 0, 1, 0, qclassIN, 0, 0, 0, 60, 0, 4, 1, 2, 3, 4)
	board.queueDatagram(conn, buf, testResolver)

	if _, err := a.RecvQuery(conn); !errors.Is(err, ErrBadPointer) {
		t.Fatalf("err = %v, want %v", err, ErrBadPointer)
	}
}

func TestTruncatedResponsesFail(t *testing.T) {
	a, board := newTestAdapter(t, AdapterConfig{})
	conn := sendTestQuery(t, a, board, "example.com")

	short := respHeader(a.dns.id, 0x8180, 1, 1)[:8]

	infoCut := respHeader(a.dns.id, 0x8180, 1, 1)
	infoCut = append(infoCut, questionSection("example.com", DNSTypeA)...)
	infoCut = append(infoCut, 0xC0, 0x0C, 0, 1, 0, qclassIN)

	rdataPastEnd := respHeader(a.dns.id, 0x8180, 1, 1)
	rdataPastEnd = append(rdataPastEnd, questionSection("example.com", DNSTypeA)...)
	rdataPastEnd = append(rdataPastEnd, 0xC0, 0x0C)
	rdataPastEnd = append(rdataPastEnd, 0, 1, 0, qclassIN, 0, 0, 0, 60, 0, 4, 93, 184)

	for name, msg := range map[string][]byte{
		"short header":   short,
		"cut info block": infoCut,
		"rdata past end": rdataPastEnd,
	} {
		board.queueDatagram(conn, msg, testResolver)
		if _, err := a.RecvQuery(conn); !errors.Is(err, ErrBadResponse) {
			t.Errorf("%s: err = %v, want %v", name, err, ErrBadResponse)
		}
	}
}

func TestAAAAQuery(t *testing.T) {
	a, board := newTestAdapter(t, AdapterConfig{})
	conn, ok := a.allocConn(SockUDP)
	if !ok {
		t.Fatal("no free connection slot")
	}
	if err := board.SockOpen(conn, SockUDP, AddrIPv4, 0); err != nil {
		t.Fatal(err)
	}
	if err := a.SendQuery(conn, "example.com", DNSTypeAAAA); err != nil {
		t.Fatal(err)
	}

	v6 := net.ParseIP("2606:2800:220:1:248:1893:25c8:1946").To16()
	buf := respHeader(a.dns.id, 0x8180, 1, 1)
	buf = append(buf, questionSection("example.com", DNSTypeAAAA)...)
	buf = append(buf, 0xC0, 0x0C)
	buf = append(buf, 0, 28, 0, qclassIN, 0, 0, 0, 60, 0, 16)
	buf = append(buf, v6...)
	board.queueDatagram(conn, buf, testResolver)

	addr, err := a.RecvQuery(conn)
	if err != nil {
		t.Fatalf("RecvQuery: %v", err)
	}
	if !bytes.Equal(addr, v6) {
		t.Fatalf("resolved %v, want %v", addr, v6)
	}
}

func TestDNSQueryEndToEnd(t *testing.T) {
	a, board := newTestAdapter(t, AdapterConfig{})
	bringOnline(t, a)
	board.onSend = func(conn int, data []byte, addr netip.AddrPort) {
		if addr != testResolver {
			t.Errorf("query sent to %v, want %v", addr, testResolver)
		}
		var q dns.Msg
		if err := q.Unpack(data); err != nil {
			t.Errorf("outgoing query does not parse: %v", err)
			return
		}
		reply := packedReply(t, q.Id, "example.com", net.IPv4(93, 184, 216, 34), true)
		board.queueDatagram(conn, reply, testResolver)
	}

	resp := mustSucceed(t, a, request(CmdDNSQuery, []byte("example.com")))
	if !bytes.Equal(resp.Payload(), []byte{93, 184, 216, 34}) {
		t.Fatalf("payload = %v", resp.Payload())
	}
	if len(board.sockets) != 0 {
		t.Fatalf("socket left open after resolution")
	}
}

func TestDNSQueryTimesOut(t *testing.T) {
	a, board := newTestAdapter(t, AdapterConfig{DNSTimeout: 100 * time.Millisecond})
	bringOnline(t, a)
	mustFail(t, a, request(CmdDNSQuery, []byte("example.com")), ErrCodeResolveFailed)
	if len(board.sockets) != 0 {
		t.Fatalf("socket left open after timeout")
	}
}

func TestDNSQueryLiteralShortcut(t *testing.T) {
	a, board := newTestAdapter(t, AdapterConfig{})
	bringOnline(t, a)
	resp := mustSucceed(t, a, request(CmdDNSQuery, []byte("93.184.216.34")))
	if !bytes.Equal(resp.Payload(), []byte{93, 184, 216, 34}) {
		t.Fatalf("payload = %v", resp.Payload())
	}
	if len(board.sockets) != 0 {
		t.Fatalf("literal lookup touched the network")
	}
}

func TestDNSQueryNeedsInternet(t *testing.T) {
	a, _ := newTestAdapter(t, AdapterConfig{})
	beginSession(t, a)
	mustFail(t, a, request(CmdDNSQuery, []byte("example.com")), ErrCodeIllegalState)
}
