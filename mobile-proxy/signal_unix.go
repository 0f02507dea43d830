//go:build unix

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/jedisct1/dlog"
)

// setupSignalHandler reloads the relay override rules on SIGHUP.
func setupSignalHandler(proxy *Proxy) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGHUP)

	go func() {
		for range sigChan {
			relay := proxy.relay
			if relay == nil {
				continue
			}
			dlog.Notice("Received SIGHUP signal, reloading the override rules")
			if err := relay.ReloadOverrides(); err != nil {
				dlog.Errorf("Unable to reload the override rules: %v", err)
			}
		}
	}()
}
