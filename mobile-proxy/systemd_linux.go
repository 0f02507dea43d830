// +build !android

package main

import (
	"net"

	"github.com/coreos/go-systemd/activation"
	"github.com/jedisct1/dlog"
)

func (proxy *Proxy) SystemDListeners() error {
	files := activation.Files(true)
	if len(files) > 0 {
		dlog.Warn("Systemd sockets are untested and unsupported - use at your own risk")
	}
	for i, file := range files {
		defer file.Close()
		if listener, err := net.FileListener(file); err == nil {
			dlog.Noticef("Wiring systemd TCP socket #%d, %s, %s [link]", i, file.Name(), listener.Addr())
			go proxy.linkListener(listener.(*net.TCPListener))
		} else if pc, err := net.FilePacketConn(file); err == nil {
			if proxy.relay == nil {
				dlog.Warnf("Ignoring systemd UDP socket #%d, %s: the DNS relay is disabled", i, file.Name())
				pc.Close()
				continue
			}
			dlog.Noticef("Wiring systemd UDP socket #%d, %s, %s [relay]", i, file.Name(), pc.LocalAddr())
			proxy.relay.serveFromPacketConn(pc)
		}
	}
	return nil
}
