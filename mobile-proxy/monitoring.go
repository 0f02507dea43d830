package main

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jedisct1/dlog"

	"github.com/gbmobile/mobile-proxy/mobile"
)

type MonitoringConfig struct {
	Enabled       bool   `toml:"enabled"`
	ListenAddress string `toml:"listen_address"`
	Username      string `toml:"username"`
	Password      string `toml:"password"`
}

type linkEntry struct {
	remoteAddr string
	number     string
	openedAt   time.Time
	adapter    *mobile.Adapter
}

// LinkView is the status snapshot of one live console link. The adapter
// counters are read with their atomic accessors, so building a view does
// not disturb the link goroutine.
type LinkView struct {
	RemoteAddr   string    `json:"remote_addr"`
	Number       string    `json:"number,omitempty"`
	OpenedAt     time.Time `json:"opened_at"`
	SessionBegun bool      `json:"session_begun"`
	Connection   string    `json:"connection"`
	PacketsSent  uint64    `json:"packets_sent"`
}

// MetricsCollector aggregates link and relay activity for the status
// endpoint. Everything is guarded by the embedded lock.
type MetricsCollector struct {
	sync.RWMutex
	startTime       time.Time
	linksOpened     uint64
	relayQueries    uint64
	queryTypes      map[string]uint64
	returnCodes     map[string]uint64
	responseTimeSum uint64
	responseTimeCnt uint64
	links           map[uint64]*linkEntry
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		startTime:   time.Now(),
		queryTypes:  make(map[string]uint64),
		returnCodes: make(map[string]uint64),
		links:       make(map[uint64]*linkEntry),
	}
}

func (mc *MetricsCollector) LinkOpened(linkID uint64, remoteAddr string, adapter *mobile.Adapter) {
	mc.Lock()
	mc.linksOpened++
	mc.links[linkID] = &linkEntry{remoteAddr: remoteAddr, openedAt: time.Now(), adapter: adapter}
	mc.Unlock()
}

func (mc *MetricsCollector) LinkClosed(linkID uint64) {
	mc.Lock()
	delete(mc.links, linkID)
	mc.Unlock()
}

func (mc *MetricsCollector) LinkNumber(linkID uint64, number string) {
	mc.Lock()
	if link, ok := mc.links[linkID]; ok {
		link.number = number
	}
	mc.Unlock()
}

func (mc *MetricsCollector) RecordRelayQuery(qType string, returnCode string, elapsed time.Duration) {
	mc.Lock()
	mc.relayQueries++
	mc.queryTypes[qType]++
	mc.returnCodes[returnCode]++
	mc.responseTimeSum += uint64(elapsed.Milliseconds())
	mc.responseTimeCnt++
	mc.Unlock()
}

func (mc *MetricsCollector) Snapshot() map[string]interface{} {
	mc.RLock()
	defer mc.RUnlock()
	links := make(map[string]LinkView, len(mc.links))
	for id, entry := range mc.links {
		stats := entry.adapter.Stats()
		links[strconv.FormatUint(id, 10)] = LinkView{
			RemoteAddr:   entry.remoteAddr,
			Number:       entry.number,
			OpenedAt:     entry.openedAt,
			SessionBegun: stats.SessionBegun,
			Connection:   stats.Connection.String(),
			PacketsSent:  stats.PacketsSent,
		}
	}
	queryTypes := make(map[string]uint64, len(mc.queryTypes))
	for qType, count := range mc.queryTypes {
		queryTypes[qType] = count
	}
	returnCodes := make(map[string]uint64, len(mc.returnCodes))
	for code, count := range mc.returnCodes {
		returnCodes[code] = count
	}
	avgMs := float64(0)
	if mc.responseTimeCnt > 0 {
		avgMs = float64(mc.responseTimeSum) / float64(mc.responseTimeCnt)
	}
	return map[string]interface{}{
		"uptime_seconds":  int64(time.Since(mc.startTime).Seconds()),
		"links_active":    len(mc.links),
		"links_total":     mc.linksOpened,
		"links":           links,
		"relay_queries":   mc.relayQueries,
		"query_types":     queryTypes,
		"return_codes":    returnCodes,
		"avg_response_ms": avgMs,
	}
}

func StartMonitoring(proxy *Proxy) error {
	config := proxy.monitoring
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		status := proxy.metrics.Snapshot()
		if proxy.relay != nil && proxy.relay.cache != nil {
			status["relay_cache_entries"] = proxy.relay.cache.Len()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	})
	server := &http.Server{
		Addr:         config.ListenAddress,
		Handler:      basicAuthMiddleware(config, mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		dlog.Noticef("Monitoring endpoint on http://%s/api/status", config.ListenAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			dlog.Errorf("Monitoring server error: %v", err)
		}
	}()
	return nil
}

func basicAuthMiddleware(config MonitoringConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if config.Username == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(user), []byte(config.Username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(config.Password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="mobile-proxy monitoring"`)
			w.WriteHeader(401)
			w.Write([]byte("Unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
