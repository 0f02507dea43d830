package main

import (
	"fmt"
	"net/netip"
	"strings"

	iradix "github.com/hashicorp/go-immutable-radix"
)

type PeersConfig struct {
	Directory      map[string]string `toml:"directory"`
	AllowedCallers []string          `toml:"allowed_callers"`
	SocksProxy     string            `toml:"socks_proxy"`
}

// Peers resolves dialed numbers to network endpoints and screens callers
// knocking on the wait-for-call listener. An empty caller list lets
// everybody through.
type Peers struct {
	directory       map[string]netip.AddrPort
	allowedIPs      map[string]interface{}
	allowedPrefixes *iradix.Tree
	allowAll        bool
}

func NewPeers(config PeersConfig) (*Peers, error) {
	peers := Peers{
		directory:       make(map[string]netip.AddrPort),
		allowedIPs:      make(map[string]interface{}),
		allowedPrefixes: iradix.New(),
		allowAll:        len(config.AllowedCallers) == 0,
	}
	for number, addrStr := range config.Directory {
		normalized, err := NormalizeNumber(number)
		if err != nil {
			return nil, err
		}
		addrPort, err := netip.ParseAddrPort(addrStr)
		if err != nil {
			return nil, fmt.Errorf("Invalid address [%s] for number [%s]: %v", addrStr, number, err)
		}
		addr := addrPort.Addr().Unmap()
		if !addr.Is4() {
			return nil, fmt.Errorf("Directory entry [%s] requires an IPv4 address, got [%s]", number, addrStr)
		}
		peers.directory[normalized] = netip.AddrPortFrom(addr, addrPort.Port())
	}
	for i, rule := range config.AllowedCallers {
		rule = strings.ToLower(strings.TrimSpace(rule))
		if len(rule) == 0 {
			continue
		}
		if strings.HasSuffix(rule, "*") {
			rule = strings.TrimFunc(rule, func(r rune) bool {
				return r == '*' || r == ':' || r == '.'
			})
			if len(rule) == 0 || strings.Contains(rule, "*") {
				return nil, fmt.Errorf("Invalid caller rule [%s] at index %d", config.AllowedCallers[i], i)
			}
			peers.allowedPrefixes, _, _ = peers.allowedPrefixes.Insert([]byte(rule), 0)
		} else {
			if _, err := netip.ParseAddr(rule); err != nil {
				return nil, fmt.Errorf("Invalid caller rule [%s] at index %d: %v", rule, i, err)
			}
			peers.allowedIPs[rule] = true
		}
	}
	return &peers, nil
}

// NormalizeNumber reduces a phone number to its dialable alphabet, the
// digits plus '#' and '*'. Separators are dropped, anything else is an
// error.
func NormalizeNumber(number string) (string, error) {
	var b strings.Builder
	for _, c := range number {
		switch {
		case c >= '0' && c <= '9' || c == '#' || c == '*':
			b.WriteRune(c)
		case c == ' ' || c == '-' || c == '.' || c == '(' || c == ')':
		default:
			return "", fmt.Errorf("Invalid character %q in number [%s]", c, number)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("Number [%s] has no dialable characters", number)
	}
	return b.String(), nil
}

// ResolveNumber maps a dialed number to a directory entry.
func (peers *Peers) ResolveNumber(number string) (netip.AddrPort, bool) {
	addrPort, ok := peers.directory[number]
	return addrPort, ok
}

func (peers *Peers) CallerAllowed(addr netip.Addr) bool {
	if peers.allowAll {
		return true
	}
	if !addr.IsValid() {
		return false
	}
	ipStr := addr.Unmap().String()
	if _, found := peers.allowedIPs[ipStr]; found {
		return true
	}
	match, _, found := peers.allowedPrefixes.Root().LongestPrefix([]byte(ipStr))
	if found {
		if len(match) == len(ipStr) || ipStr[len(match)] == '.' || ipStr[len(match)] == ':' {
			return true
		}
	}
	return false
}
