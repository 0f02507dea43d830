package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/dchest/safefile"
	"github.com/jedisct1/dlog"

	"github.com/gbmobile/mobile-proxy/mobile"
)

// EEPROM is the adapter configuration store shared by every link. Consoles
// read and write it through READ_CONFIG and WRITE_CONFIG; the contents are
// persisted to a file so registrations survive restarts.
type EEPROM struct {
	sync.Mutex
	path  string
	data  [mobile.ConfigSize]byte
	dirty bool
}

// OpenEEPROM loads the store from path. A missing file yields a blank
// store; an empty path keeps the store memory-only.
func OpenEEPROM(path string) (*EEPROM, error) {
	eeprom := &EEPROM{path: path}
	if len(path) == 0 {
		return eeprom, nil
	}
	bin, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			dlog.Noticef("No adapter configuration found at [%s], starting blank", path)
			return eeprom, nil
		}
		return nil, err
	}
	if len(bin) != mobile.ConfigSize {
		return nil, fmt.Errorf("[%s] is %d bytes, expected %d", path, len(bin), mobile.ConfigSize)
	}
	copy(eeprom.data[:], bin)
	return eeprom, nil
}

func (eeprom *EEPROM) Read(offset int, data []byte) error {
	if offset < 0 || offset+len(data) > mobile.ConfigSize {
		return fmt.Errorf("configuration read out of range (%d..%d)", offset, offset+len(data))
	}
	eeprom.Lock()
	copy(data, eeprom.data[offset:offset+len(data)])
	eeprom.Unlock()
	return nil
}

func (eeprom *EEPROM) Write(offset int, data []byte) error {
	if offset < 0 || offset+len(data) > mobile.ConfigSize {
		return fmt.Errorf("configuration write out of range (%d..%d)", offset, offset+len(data))
	}
	eeprom.Lock()
	copy(eeprom.data[offset:offset+len(data)], data)
	eeprom.dirty = true
	eeprom.Unlock()
	return nil
}

// Sync persists the store if it changed since the last sync.
func (eeprom *EEPROM) Sync() error {
	eeprom.Lock()
	defer eeprom.Unlock()
	if !eeprom.dirty || len(eeprom.path) == 0 {
		return nil
	}
	if err := safefile.WriteFile(eeprom.path, eeprom.data[:], 0644); err != nil {
		return err
	}
	eeprom.dirty = false
	dlog.Debugf("Adapter configuration saved to [%s]", eeprom.path)
	return nil
}
