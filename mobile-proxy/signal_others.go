//go:build !unix

package main

func setupSignalHandler(proxy *Proxy) {}
