package main

import (
	"bytes"
	"net"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	frame := []byte{0x95, 0x00, 0x00, 0x02, 0xab, 0xcd}
	prefixed, err := PrefixWithSize(frame)
	if err != nil {
		t.Fatalf("PrefixWithSize() error = %v", err)
	}
	if len(prefixed) != 2+len(frame) {
		t.Fatalf("PrefixWithSize() length = %d, want %d", len(prefixed), 2+len(frame))
	}
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	go func() {
		client.Write(prefixed)
	}()
	got, err := ReadPrefixed(server)
	if err != nil {
		t.Fatalf("ReadPrefixed() error = %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Errorf("ReadPrefixed() = %x, want %x", got, frame)
	}
}

func TestFrameChunkedRead(t *testing.T) {
	frame := []byte{0x93, 0x01, 0x02, 0x03}
	prefixed, err := PrefixWithSize(frame)
	if err != nil {
		t.Fatalf("PrefixWithSize() error = %v", err)
	}
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	go func() {
		for _, b := range prefixed {
			client.Write([]byte{b})
		}
	}()
	got, err := ReadPrefixed(server)
	if err != nil {
		t.Fatalf("ReadPrefixed() error = %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Errorf("ReadPrefixed() = %x, want %x", got, frame)
	}
}

func TestFrameRejects(t *testing.T) {
	tests := []struct {
		name   string
		prefix []byte
	}{
		{name: "oversize frame", prefix: []byte{0x01, 0x01}},
		{name: "empty frame", prefix: []byte{0x00, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := net.Pipe()
			defer client.Close()
			defer server.Close()
			go func() {
				client.Write(tt.prefix)
			}()
			if _, err := ReadPrefixed(server); err == nil {
				t.Errorf("ReadPrefixed() accepted prefix %x", tt.prefix)
			}
		})
	}
}

func TestPrefixWithSizeOversize(t *testing.T) {
	frame := make([]byte, MaxLinkFrameSize+1)
	if _, err := PrefixWithSize(frame); err == nil {
		t.Errorf("PrefixWithSize() accepted %d bytes", len(frame))
	}
}

func TestStringTwoFields(t *testing.T) {
	tests := []struct {
		name   string
		str    string
		wantA  string
		wantB  string
		wantOK bool
	}{
		{name: "two fields", str: "example.com 192.168.1.1", wantA: "example.com", wantB: "192.168.1.1", wantOK: true},
		{name: "tab separated", str: "a\tb", wantA: "a", wantB: "b", wantOK: true},
		{name: "single field", str: "example.com", wantOK: false},
		{name: "too short", str: "ab", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b, ok := StringTwoFields(tt.str)
			if ok != tt.wantOK {
				t.Fatalf("StringTwoFields() OK = %v, want %v", ok, tt.wantOK)
			}
			if ok && (a != tt.wantA || b != tt.wantB) {
				t.Errorf("StringTwoFields() = %q, %q, want %q, %q", a, b, tt.wantA, tt.wantB)
			}
		})
	}
}

func TestTrimAndStripInlineComments(t *testing.T) {
	tests := []struct {
		name string
		str  string
		want string
	}{
		{name: "plain line", str: "example.com 1.2.3.4", want: "example.com 1.2.3.4"},
		{name: "full comment", str: "# a comment", want: ""},
		{name: "inline comment", str: "example.com 1.2.3.4 # note", want: "example.com 1.2.3.4"},
		{name: "leading spaces", str: "   example.com  ", want: "example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TrimAndStripInlineComments(tt.str); got != tt.want {
				t.Errorf("TrimAndStripInlineComments(%q) = %q, want %q", tt.str, got, tt.want)
			}
		})
	}
}

func TestExtractHostAndPort(t *testing.T) {
	tests := []struct {
		name     string
		str      string
		wantHost string
		wantPort int
	}{
		{name: "host with port", str: "127.0.0.1:5353", wantHost: "127.0.0.1", wantPort: 5353},
		{name: "host only", str: "9.9.9.9", wantHost: "9.9.9.9", wantPort: 53},
		{name: "trailing colon", str: "9.9.9.9:", wantHost: "9.9.9.9:", wantPort: 53},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port := ExtractHostAndPort(tt.str, 53)
			if host != tt.wantHost || port != tt.wantPort {
				t.Errorf("ExtractHostAndPort(%q) = %q, %d, want %q, %d", tt.str, host, port, tt.wantHost, tt.wantPort)
			}
		})
	}
}
