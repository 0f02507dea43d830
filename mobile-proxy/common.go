package main

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/gbmobile/mobile-proxy/mobile"
)

// Link frames carry one command transaction: a 2-byte big-endian size
// prefix followed by the command byte and its payload.
const (
	MinLinkFrameSize = 1
	MaxLinkFrameSize = 1 + mobile.MaxDataSize
)

var frameBufferPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, 2+MaxLinkFrameSize)
	},
}

func PrefixWithSize(frame []byte) ([]byte, error) {
	frameLen := len(frame)
	if frameLen > MaxLinkFrameSize {
		return frame, errors.New("Frame too large")
	}
	newFrame := make([]byte, 2+frameLen)
	binary.BigEndian.PutUint16(newFrame[0:2], uint16(frameLen))
	copy(newFrame[2:], frame)
	return newFrame, nil
}

func ReadPrefixed(conn net.Conn) ([]byte, error) {
	ptr := frameBufferPool.Get().([]byte)
	defer frameBufferPool.Put(ptr)

	buf := ptr[:cap(ptr)]
	frameLength, pos := -1, 0
	for {
		readnb, err := conn.Read(buf[pos:])
		if err != nil {
			return nil, err
		}
		pos += readnb
		if pos >= 2 && frameLength < 0 {
			frameLength = int(binary.BigEndian.Uint16(buf[0:2]))
			if frameLength > MaxLinkFrameSize {
				return nil, errors.New("Frame too large")
			}
			if frameLength < MinLinkFrameSize {
				return nil, errors.New("Frame too short")
			}
		}
		if frameLength >= 0 && pos >= 2+frameLength {
			result := make([]byte, frameLength)
			copy(result, buf[2:2+frameLength])
			return result, nil
		}
	}
}

func Min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func Max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func StringReverse(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < len(r)/2; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}

func StringTwoFields(str string) (string, string, bool) {
	if len(str) < 3 {
		return "", "", false
	}
	pos := strings.IndexFunc(str, unicode.IsSpace)
	if pos == -1 {
		return "", "", false
	}
	a, b := strings.TrimSpace(str[:pos]), strings.TrimSpace(str[pos+1:])
	if len(a) == 0 || len(b) == 0 {
		return a, b, false
	}
	return a, b, true
}

func StripTrailingDot(str string) string {
	if len(str) > 1 && strings.HasSuffix(str, ".") {
		str = str[:len(str)-1]
	}
	return str
}

func StringQuote(str string) string {
	str = strconv.QuoteToGraphic(str)
	return str[1 : len(str)-1]
}

func TrimAndStripInlineComments(str string) string {
	if idx := strings.LastIndexByte(str, '#'); idx >= 0 {
		if idx == 0 || str[0] == '#' {
			return ""
		}
		if prev := str[idx-1]; prev == ' ' || prev == '\t' {
			str = str[:idx-1]
		}
	}
	return strings.TrimSpace(str)
}

// ExtractHostAndPort parses a string containing a host and optional port.
// If no port is present or cannot be parsed, the defaultPort is returned.
func ExtractHostAndPort(str string, defaultPort int) (host string, port int) {
	host, port = str, defaultPort
	if idx := strings.LastIndex(str, ":"); idx >= 0 && idx < len(str)-1 {
		if portX, err := strconv.Atoi(str[idx+1:]); err == nil {
			host, port = host[:idx], portX
		}
	}
	return host, port
}

// ReadTextFile reads a file and returns its contents as a string.
// It automatically removes UTF-8 BOM if present.
func ReadTextFile(filename string) (string, error) {
	bin, err := os.ReadFile(filename)
	if err != nil {
		return "", err
	}
	bin = bytes.TrimPrefix(bin, []byte{0xef, 0xbb, 0xbf})
	return string(bin), nil
}

// ProcessConfigLines feeds every non-empty, comment-stripped line of a
// rule file to the processor.
func ProcessConfigLines(lines string, processor func(line string, lineNo int) error) error {
	scanner := bufio.NewScanner(strings.NewReader(lines))
	lineNo := 0
	for scanner.Scan() {
		line := TrimAndStripInlineComments(scanner.Text())
		if len(line) == 0 {
			lineNo++
			continue
		}
		if err := processor(line, lineNo); err != nil {
			return err
		}
		lineNo++
	}
	return scanner.Err()
}
