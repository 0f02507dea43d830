package mobile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"
)

// DNSType selects the record type a query asks for.
type DNSType uint16

const (
	DNSTypeA    DNSType = 1
	DNSTypeAAAA DNSType = 28
)

const (
	dnsHeaderLen   = 12
	dnsMessageSize = 512
	maxEncodedName = 256
	maxLabelLen    = 63
	// maxPointerHops caps compression pointer chases so a crafted pointer
	// cycle fails instead of looping.
	maxPointerHops = 16

	qclassIN = 1
	// Outgoing flags: standard query, recursion desired.
	flagsQuery = 0x0100
	// Expected response flags once the don't-care AA bit is masked off:
	// response, standard query, not truncated, RD and RA set, reserved and
	// AD/CD bits clear, RCODE zero.
	flagsCareMask = 0xFBFF
	flagsWanted   = 0x8180

	labelTypeMask = 0xC0
)

// dnsState is the single in-flight resolver transaction. One buffer backs
// both directions: it holds the outgoing query until the first accepted
// datagram overwrites it, so nothing parsed afterwards can alias query
// bytes.
type dnsState struct {
	id       uint16
	qtype    DNSType
	resolver netip.AddrPort

	name    [maxEncodedName]byte
	nameLen int

	buffer [dnsMessageSize]byte
	bufLen int
}

func (d *dnsState) reset() {
	*d = dnsState{}
}

// encodeName wire-encodes a dotted hostname into d.name as length-prefixed
// labels with a zero terminator. One trailing dot is tolerated; empty
// labels, labels over 63 bytes and names that do not fit are rejected
// outright rather than truncated.
func (d *dnsState) encodeName(host string) error {
	host = strings.TrimSuffix(host, ".")
	if len(host) == 0 {
		return ErrBadName
	}
	n := 0
	for pos := 0; ; {
		label := host[pos:]
		if dot := strings.IndexByte(label, '.'); dot >= 0 {
			label = label[:dot]
		}
		if len(label) == 0 || len(label) > maxLabelLen {
			return ErrBadName
		}
		// One byte for the length, the label itself, and room for the
		// final terminator.
		if n+1+len(label)+1 > maxEncodedName {
			return ErrNameTooLong
		}
		d.name[n] = byte(len(label))
		n++
		n += copy(d.name[n:], label)
		pos += len(label) + 1
		if pos > len(host) {
			break
		}
	}
	d.name[n] = 0
	n++
	d.nameLen = n
	return nil
}

// buildQuery assembles a query for the encoded name into the shared buffer
// and returns it. Every call takes a fresh transaction id, wrapping at 16
// bits.
func (d *dnsState) buildQuery(qtype DNSType) []byte {
	d.id++
	d.qtype = qtype
	binary.BigEndian.PutUint16(d.buffer[0:2], d.id)
	binary.BigEndian.PutUint16(d.buffer[2:4], flagsQuery)
	binary.BigEndian.PutUint16(d.buffer[4:6], 1)
	for i := 6; i < dnsHeaderLen; i++ {
		d.buffer[i] = 0
	}
	n := dnsHeaderLen
	n += copy(d.buffer[n:], d.name[:d.nameLen])
	binary.BigEndian.PutUint16(d.buffer[n:n+2], uint16(qtype))
	n += 2
	binary.BigEndian.PutUint16(d.buffer[n:n+2], qclassIN)
	n += 2
	d.bufLen = n
	return d.buffer[:n]
}

// walkName steps through the wire name starting at off, comparing it byte
// for byte against the stored query name while following compression
// pointers. end is the offset just past the name within the enclosing
// record, which for a compressed name is two bytes past the first pointer;
// later pointers only move the read cursor. match reports whether the name
// equals the query name exactly. Out-of-bounds labels or pointer targets
// and chases longer than maxPointerHops abort the parse.
func (d *dnsState) walkName(msg []byte, off int) (end int, match bool, err error) {
	match = true
	end = -1
	namePos := 0
	hops := 0
	for {
		if off >= len(msg) {
			return 0, false, ErrBadResponse
		}
		c := int(msg[off])
		switch {
		case c&labelTypeMask == labelTypeMask:
			if off+1 >= len(msg) {
				return 0, false, ErrBadResponse
			}
			hops++
			if hops > maxPointerHops {
				return 0, false, ErrBadPointer
			}
			target := (c&^labelTypeMask)<<8 | int(msg[off+1])
			if target >= len(msg) {
				return 0, false, ErrBadPointer
			}
			if end < 0 {
				end = off + 2
			}
			off = target
		case c&labelTypeMask != 0:
			// 01/10 label types are not part of the protocol.
			return 0, false, ErrBadResponse
		case c == 0:
			if end < 0 {
				end = off + 1
			}
			if namePos != d.nameLen-1 {
				match = false
			}
			return end, match, nil
		default:
			if off+1+c > len(msg) {
				return 0, false, ErrBadResponse
			}
			if match {
				// Compare the length byte and label together.
				if namePos+1+c > d.nameLen ||
					!bytes.Equal(d.name[namePos:namePos+1+c], msg[off:off+1+c]) {
					match = false
				} else {
					namePos += 1 + c
				}
			}
			off += 1 + c
		}
	}
}

// verifyResponse validates the buffered response header and question
// section against the outstanding query and returns the offset of the
// first answer record.
func (d *dnsState) verifyResponse() (int, error) {
	msg := d.buffer[:d.bufLen]
	if len(msg) < dnsHeaderLen {
		return 0, ErrBadResponse
	}
	if binary.BigEndian.Uint16(msg[0:2]) != d.id {
		return 0, ErrIDMismatch
	}
	flags := binary.BigEndian.Uint16(msg[2:4])
	if flags&flagsCareMask != flagsWanted {
		if rcode := int(flags & 0xF); rcode != 0 {
			return 0, &ResponseCodeError{Rcode: rcode}
		}
		return 0, ErrBadResponse
	}
	if binary.BigEndian.Uint16(msg[4:6]) != 1 {
		return 0, ErrBadCounts
	}
	if binary.BigEndian.Uint16(msg[6:8]) == 0 {
		return 0, ErrBadCounts
	}
	off, match, err := d.walkName(msg, dnsHeaderLen)
	if err != nil {
		return 0, err
	}
	if !match {
		return 0, ErrBadQuestion
	}
	if off+4 > len(msg) {
		return 0, ErrBadResponse
	}
	if DNSType(binary.BigEndian.Uint16(msg[off:off+2])) != d.qtype {
		return 0, ErrBadQuestion
	}
	if binary.BigEndian.Uint16(msg[off+2:off+4]) != qclassIN {
		return 0, ErrBadQuestion
	}
	return off + 4, nil
}

// extractAnswer scans the answer records starting at off and returns the
// RDATA of the first one that names the query, has the queried type, class
// IN and the exact RDATA length for that type. Records failing the filter
// are skipped; declared lengths that leave the buffer abort the whole
// response. A scan that survives every record without accepting one fails.
func (d *dnsState) extractAnswer(off int) ([]byte, error) {
	msg := d.buffer[:d.bufLen]
	want := 4
	if d.qtype == DNSTypeAAAA {
		want = 16
	}
	ancount := int(binary.BigEndian.Uint16(msg[6:8]))
	for i := 0; i < ancount; i++ {
		nameEnd, match, err := d.walkName(msg, off)
		if err != nil {
			return nil, err
		}
		if nameEnd+10 > len(msg) {
			return nil, ErrBadResponse
		}
		rtype := DNSType(binary.BigEndian.Uint16(msg[nameEnd : nameEnd+2]))
		class := binary.BigEndian.Uint16(msg[nameEnd+2 : nameEnd+4])
		rdlen := int(binary.BigEndian.Uint16(msg[nameEnd+8 : nameEnd+10]))
		dataOff := nameEnd + 10
		if dataOff+rdlen > len(msg) {
			return nil, ErrBadResponse
		}
		if match && rtype == d.qtype && class == qclassIN && rdlen == want {
			return msg[dataOff : dataOff+rdlen], nil
		}
		off = dataOff + rdlen
	}
	return nil, ErrNoAnswer
}

// SendQuery encodes host, builds a query for it and sends it as a single
// datagram over the given connection slot to the configured resolver. On
// any failure the slot is closed before returning. No retries.
func (a *Adapter) SendQuery(conn int, host string, qtype DNSType) error {
	resolver, ok := a.effectiveDNS()
	if !ok {
		a.closeConn(conn)
		return fmt.Errorf("dns: no resolver configured")
	}
	if err := a.dns.encodeName(host); err != nil {
		a.closeConn(conn)
		return err
	}
	a.dns.resolver = resolver
	msg := a.dns.buildQuery(qtype)
	a.debugf("dns: query %04x for %s to %s", a.dns.id, host, resolver)
	if err := a.board.SockSend(conn, msg, resolver); err != nil {
		a.closeConn(conn)
		return fmt.Errorf("dns: send: %w", err)
	}
	return nil
}

// RecvQuery polls the connection slot for the response to the last
// SendQuery. A nil address with a nil error means nothing usable has
// arrived yet and the caller should poll again; datagrams from any sender
// but the resolver are discarded the same way. Validation failures are
// terminal for the transaction.
func (a *Adapter) RecvQuery(conn int) ([]byte, error) {
	n, sender, err := a.board.SockRecv(conn, a.dns.buffer[:])
	if err != nil {
		return nil, fmt.Errorf("dns: recv: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	if sender != a.dns.resolver {
		a.debugf("dns: dropped datagram from %s", sender)
		return nil, nil
	}
	a.dns.bufLen = n
	off, err := a.dns.verifyResponse()
	if err != nil {
		return nil, err
	}
	addr, err := a.dns.extractAnswer(off)
	if err != nil {
		return nil, err
	}
	return addr, nil
}
