package main

import (
	"errors"
	"flag"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jedisct1/dlog"
	netproxy "golang.org/x/net/proxy"

	"github.com/gbmobile/mobile-proxy/mobile"
)

type Config struct {
	LogLevel        int              `toml:"log_level"`
	LogFile         *string          `toml:"log_file"`
	UseSyslog       bool             `toml:"use_syslog"`
	ListenAddresses []string         `toml:"listen_addresses"`
	MaxLinks        uint32           `toml:"max_links"`
	Timeout         int              `toml:"timeout"`
	LinkTimeout     int              `toml:"link_timeout"`
	LogMaxSize      int              `toml:"log_files_max_size"`
	LogMaxAge       int              `toml:"log_files_max_age"`
	LogMaxBackups   int              `toml:"log_files_max_backups"`
	Adapter         AdapterConfig    `toml:"adapter"`
	Relay           RelayConfig      `toml:"relay"`
	ISP             ISPConfig        `toml:"isp"`
	Peers           PeersConfig      `toml:"peers"`
	Monitoring      MonitoringConfig `toml:"monitoring"`
}

type AdapterConfig struct {
	Device     string `toml:"device"`
	Unmetered  bool   `toml:"unmetered"`
	DNSTimeout int    `toml:"dns_timeout_ms"`
	P2PPort    uint16 `toml:"p2p_port"`
	ConfigFile string `toml:"config_file"`
}

type ISPConfig struct {
	AddressPool string   `toml:"address_pool"`
	DNS1        string   `toml:"dns1"`
	DNS2        string   `toml:"dns2"`
	DNSPort     uint16   `toml:"dns_port"`
	Numbers     []string `toml:"numbers"`
}

type RelayConfig struct {
	Enabled         bool              `toml:"enabled"`
	ListenAddresses []string          `toml:"listen_addresses"`
	UpstreamServers []string          `toml:"upstreams"`
	Cache           bool              `toml:"cache"`
	CacheSize       int               `toml:"cache_size"`
	CacheMinTTL     uint32            `toml:"cache_min_ttl"`
	CacheMaxTTL     uint32            `toml:"cache_max_ttl"`
	CacheNegMinTTL  uint32            `toml:"cache_neg_min_ttl"`
	CacheNegMaxTTL  uint32            `toml:"cache_neg_max_ttl"`
	TimeoutMS       int               `toml:"timeout"`
	ProbeInterval   int               `toml:"probe_interval"`
	OverrideFile    string            `toml:"override_file"`
	Overrides       map[string]string `toml:"overrides"`
	QueryLogFile    string            `toml:"query_log_file"`
}

func newConfig() Config {
	return Config{
		LogLevel:        int(dlog.LogLevel()),
		ListenAddresses: []string{"127.0.0.1:20200"},
		MaxLinks:        4,
		Timeout:         5000,
		LinkTimeout:     180,
		LogMaxSize:      10,
		LogMaxAge:       7,
		LogMaxBackups:   1,
		Adapter: AdapterConfig{
			Device:     "blue",
			DNSTimeout: 3000,
			P2PPort:    1027,
			ConfigFile: "mobile-config.bin",
		},
		Relay: RelayConfig{
			Enabled:         true,
			ListenAddresses: []string{"127.0.0.1:5353"},
			UpstreamServers: []string{"9.9.9.9:53", "8.8.8.8:53"},
			Cache:           true,
			CacheSize:       512,
			CacheMinTTL:     60,
			CacheMaxTTL:     86400,
			CacheNegMinTTL:  60,
			CacheNegMaxTTL:  600,
			TimeoutMS:       2500,
			ProbeInterval:   60,
		},
		ISP: ISPConfig{
			AddressPool: "192.168.227.2",
			DNSPort:     53,
			Numbers:     []string{"#9677"},
		},
		Monitoring: MonitoringConfig{
			ListenAddress: "127.0.0.1:8080",
		},
	}
}

func findConfigFile(configFile *string) (string, error) {
	if _, err := os.Stat(*configFile); os.IsNotExist(err) {
		cdLocal()
		if _, err := os.Stat(*configFile); err != nil {
			return "", err
		}
	}
	pwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(*configFile) {
		return *configFile, nil
	}
	return path.Join(pwd, *configFile), nil
}

func ConfigLoad(proxy *Proxy, svcFlag *string) error {
	version := flag.Bool("version", false, "print current proxy version")
	check := flag.Bool("check", false, "check the configuration file and exit")
	configFile := flag.String("config", DefaultConfigFileName, "Path to the configuration file")
	logLevelOverride := flag.Int("loglevel", -1, "Override the configured log verbosity")

	flag.Parse()

	if *svcFlag == "stop" || *svcFlag == "uninstall" {
		return nil
	}
	if *version {
		fmt.Println(AppVersion)
		os.Exit(0)
	}

	foundConfigFile, err := findConfigFile(configFile)
	if err != nil {
		dlog.Fatalf("Unable to load the configuration file [%s] -- Maybe use the -config command-line switch?", *configFile)
	}
	WarnIfMaybeWritableByOtherUsers(foundConfigFile)
	config := newConfig()
	md, err := toml.DecodeFile(foundConfigFile, &config)
	if err != nil {
		return err
	}
	undecoded := md.Undecoded()
	if len(undecoded) > 0 {
		return fmt.Errorf("Unsupported key in configuration file: [%s]", undecoded[0])
	}
	cdFileDir(foundConfigFile)
	if *logLevelOverride >= 0 {
		config.LogLevel = *logLevelOverride
	}
	if config.LogLevel >= 0 && config.LogLevel < int(dlog.SeverityLast) {
		dlog.SetLogLevel(dlog.Severity(config.LogLevel))
	}
	if dlog.LogLevel() <= dlog.SeverityDebug && os.Getenv("DEBUG") == "" {
		dlog.SetLogLevel(dlog.SeverityInfo)
	}
	if config.UseSyslog {
		dlog.UseSyslog(true)
	} else if config.LogFile != nil {
		dlog.UseLogFile(*config.LogFile)
	}
	proxy.logMaxSize = config.LogMaxSize
	proxy.logMaxAge = config.LogMaxAge
	proxy.logMaxBackups = config.LogMaxBackups

	proxy.listenAddresses = config.ListenAddresses
	proxy.maxLinks = config.MaxLinks
	proxy.ioTimeout = time.Duration(Max(250, config.Timeout)) * time.Millisecond
	proxy.linkTimeout = time.Duration(Max(10, config.LinkTimeout)) * time.Second

	device, err := deviceFromName(config.Adapter.Device)
	if err != nil {
		return err
	}
	proxy.device = device
	proxy.unmetered = config.Adapter.Unmetered
	proxy.p2pPort = config.Adapter.P2PPort
	proxy.dnsTimeout = time.Duration(config.Adapter.DNSTimeout) * time.Millisecond

	eeprom, err := OpenEEPROM(config.Adapter.ConfigFile)
	if err != nil {
		return err
	}
	proxy.eeprom = eeprom

	peers, err := NewPeers(config.Peers)
	if err != nil {
		return err
	}
	proxy.peers = peers
	if len(config.Peers.SocksProxy) > 0 {
		proxyDialerURL, err := url.Parse(config.Peers.SocksProxy)
		if err != nil {
			dlog.Fatalf("Unable to parse the proxy URL [%v]", config.Peers.SocksProxy)
		}
		proxyDialer, err := netproxy.FromURL(proxyDialerURL, netproxy.Direct)
		if err != nil {
			dlog.Fatalf("Unable to use the proxy: [%v]", err)
		}
		proxy.proxyDialer = proxyDialer
	}

	for _, number := range config.ISP.Numbers {
		normalized, err := NormalizeNumber(number)
		if err != nil {
			return err
		}
		proxy.ispNumbers = append(proxy.ispNumbers, normalized)
	}
	if len(config.ISP.AddressPool) > 0 {
		poolStart, err := netip.ParseAddr(config.ISP.AddressPool)
		if err != nil || !poolStart.Unmap().Is4() {
			return fmt.Errorf("Invalid address pool start [%s]", config.ISP.AddressPool)
		}
		proxy.assignedAddr = poolStart.Unmap()
	}
	proxy.dnsPort = config.ISP.DNSPort

	if config.Relay.Enabled {
		relay, err := NewRelay(proxy, config.Relay)
		if err != nil {
			return err
		}
		proxy.relay = relay
	}
	if err := configureDNS(proxy, &config); err != nil {
		return err
	}
	proxy.monitoring = config.Monitoring

	if *check {
		dlog.Notice("Configuration successfully checked")
		os.Exit(0)
	}
	return nil
}

// configureDNS decides which resolver addresses get handed to consoles.
// When dns1 is left empty, the relay's own listen address is used, so a
// default setup works with no DNS keys at all.
func configureDNS(proxy *Proxy, config *Config) error {
	if len(config.ISP.DNS1) > 0 {
		addr, err := netip.ParseAddr(config.ISP.DNS1)
		if err != nil {
			return fmt.Errorf("Invalid dns1 address [%s]", config.ISP.DNS1)
		}
		proxy.dns1 = addr.Unmap()
	}
	if len(config.ISP.DNS2) > 0 {
		addr, err := netip.ParseAddr(config.ISP.DNS2)
		if err != nil {
			return fmt.Errorf("Invalid dns2 address [%s]", config.ISP.DNS2)
		}
		proxy.dns2 = addr.Unmap()
	}
	if proxy.dns1.IsValid() {
		return nil
	}
	if proxy.relay == nil || len(config.Relay.ListenAddresses) == 0 {
		return errors.New("No DNS resolver configured: set dns1 or enable the relay")
	}
	host, port := ExtractHostAndPort(config.Relay.ListenAddresses[0], 53)
	addr, err := netip.ParseAddr(host)
	if err != nil || addr.IsUnspecified() {
		return fmt.Errorf("The relay listen address [%s] cannot be handed to consoles - set dns1 explicitly", config.Relay.ListenAddresses[0])
	}
	proxy.dns1 = addr.Unmap()
	proxy.dnsPort = uint16(port)
	return nil
}

func deviceFromName(name string) (mobile.Device, error) {
	switch strings.ToLower(name) {
	case "", "blue":
		return mobile.DeviceBlue, nil
	case "yellow":
		return mobile.DeviceYellow, nil
	case "green":
		return mobile.DeviceGreen, nil
	case "red":
		return mobile.DeviceRed, nil
	}
	return mobile.DeviceBlue, fmt.Errorf("Unknown device type [%s], expected blue, yellow, green or red", name)
}

func cdFileDir(fileName string) {
	os.Chdir(filepath.Dir(fileName))
}

func cdLocal() {
	exeFileName, err := os.Executable()
	if err != nil {
		dlog.Warnf("Unable to determine the executable directory: [%s] -- You will need to specify absolute paths in the configuration file", err)
		return
	}
	os.Chdir(filepath.Dir(exeFileName))
}
