package main

import (
	"flag"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dchest/safefile"
	"github.com/jedisct1/dlog"
)

var pidFile = flag.String("pidfile", "", "Store the mobile-proxy PID into this file")

func PidFileCreate() error {
	if pidFile == nil || len(*pidFile) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(*pidFile), 0755); err != nil {
		return err
	}
	if err := safefile.WriteFile(*pidFile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return err
	}
	dlog.Debugf("PID file written to [%s]", *pidFile)
	return nil
}

// A PID file that is already gone does not count as a removal failure.
func PidFileRemove() error {
	if pidFile == nil || len(*pidFile) == 0 {
		return nil
	}
	if err := os.Remove(*pidFile); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
