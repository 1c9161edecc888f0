// Package plugx decodes PlugX configuration blocks dumped from memory by the
// monitor (type code 0x11). The block is already decrypted.
package plugx

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/samber/lo"
	"golang.org/x/text/encoding/unicode"
)

var ErrUnsupportedSize = errors.New("unsupported PlugX config size")

// ConfigSize is the size of the classic config block.
const ConfigSize = 0x150c

const (
	slotsPerDay = 96
	days        = 7
)

type server struct {
	Type uint16
	Port uint16
	Host [64]byte
}

type proxy struct {
	Type     uint16
	Port     uint16
	Host     [64]byte
	User     [64]byte
	Password [64]byte
}

// rawConfig mirrors the 0x150c block byte for byte.
type rawConfig struct {
	Flags              [11]uint32
	Timer              [4]byte
	TimeTable          [days * slotsPerDay]byte
	DNS                [4][4]byte
	Servers            [4]server
	URLs               [4][128]byte
	Proxies            [4]proxy
	Persistence        uint32
	InstallFolder      [512]byte
	ServiceName        [512]byte
	ServiceDisplayName [512]byte
	ServiceDescription [512]byte
	Injection          uint32
	InjectionProcess   [512]byte
	CampaignID         [512]byte
	ScreenshotInterval uint32
}

var serverTypes = map[uint16]string{
	1: "TCP",
	2: "HTTP",
	3: "UDP",
	4: "ICMP",
	5: "DNS",
	6: "TCP+HTTP",
}

var persistenceTypes = map[uint32]string{
	0: "Service + Run Key",
	1: "Service",
	2: "Run Key",
	3: "None",
}

type Server struct {
	Protocol string `json:"protocol"`
	Host     string `json:"host"`
	Port     uint16 `json:"port"`
}

type Proxy struct {
	Server
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
}

type Config struct {
	Flags              []uint32
	Timer              string
	Schedule           string
	DNS                []string
	Servers            []Server
	URLs               []string
	Proxies            []Proxy
	Persistence        string
	InstallFolder      string
	ServiceName        string
	ServiceDisplayName string
	ServiceDescription string
	Injection          bool
	InjectionProcess   string
	CampaignID         string
	ScreenshotInterval uint32
}

// Parse decodes a config block. Blocks of other sizes belong to PlugX
// variants whose layout is not handled.
func Parse(content []byte) (*Config, error) {
	if len(content) != ConfigSize {
		return nil, fmt.Errorf("%w: %#x", ErrUnsupportedSize, len(content))
	}

	var raw rawConfig
	if err := binary.Read(bytes.NewReader(content), binary.LittleEndian, &raw); err != nil {
		return nil, fmt.Errorf("unable to read config: %w", err)
	}

	cfg := &Config{
		Flags:              raw.Flags[:],
		Timer:              fmt.Sprintf("%dd %dh %dm %ds", raw.Timer[0], raw.Timer[1], raw.Timer[2], raw.Timer[3]),
		Schedule:           schedule(raw.TimeTable[:]),
		Persistence:        lookup(persistenceTypes, raw.Persistence),
		Injection:          raw.Injection != 0,
		ScreenshotInterval: raw.ScreenshotInterval,
	}

	cfg.DNS = lo.FilterMap(raw.DNS[:], func(ip [4]byte, _ int) (string, bool) {
		return net.IP(ip[:]).String(), ip != [4]byte{}
	})
	cfg.Servers = lo.FilterMap(raw.Servers[:], func(s server, _ int) (Server, bool) {
		host := cString(s.Host[:])
		return Server{Protocol: lookup(serverTypes, s.Type), Host: host, Port: s.Port}, host != ""
	})
	cfg.URLs = lo.Compact(lo.Map(raw.URLs[:], func(u [128]byte, _ int) string {
		return cString(u[:])
	}))
	cfg.Proxies = lo.FilterMap(raw.Proxies[:], func(p proxy, _ int) (Proxy, bool) {
		host := cString(p.Host[:])
		return Proxy{
			Server:   Server{Protocol: lookup(serverTypes, p.Type), Host: host, Port: p.Port},
			User:     cString(p.User[:]),
			Password: cString(p.Password[:]),
		}, host != ""
	})

	var err error
	strs := []struct {
		dst *string
		src []byte
	}{
		{&cfg.InstallFolder, raw.InstallFolder[:]},
		{&cfg.ServiceName, raw.ServiceName[:]},
		{&cfg.ServiceDisplayName, raw.ServiceDisplayName[:]},
		{&cfg.ServiceDescription, raw.ServiceDescription[:]},
		{&cfg.InjectionProcess, raw.InjectionProcess[:]},
		{&cfg.CampaignID, raw.CampaignID[:]},
	}
	for _, s := range strs {
		if *s.dst, err = wideString(s.src); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Decode returns the config as a report map. Empty settings are left out.
func Decode(content []byte) (map[string]any, error) {
	cfg, err := Parse(content)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"flags":               cfg.Flags,
		"timer":               cfg.Timer,
		"schedule":            cfg.Schedule,
		"persistence":         cfg.Persistence,
		"injection":           cfg.Injection,
		"screenshot_interval": cfg.ScreenshotInterval,
	}
	if len(cfg.DNS) > 0 {
		out["dns"] = cfg.DNS
	}
	if len(cfg.Servers) > 0 {
		out["servers"] = cfg.Servers
	}
	if len(cfg.URLs) > 0 {
		out["urls"] = cfg.URLs
	}
	if len(cfg.Proxies) > 0 {
		out["proxies"] = cfg.Proxies
	}
	for key, value := range map[string]string{
		"install_folder":       cfg.InstallFolder,
		"service_name":         cfg.ServiceName,
		"service_display_name": cfg.ServiceDisplayName,
		"service_description":  cfg.ServiceDescription,
		"injection_process":    cfg.InjectionProcess,
		"campaign_id":          cfg.CampaignID,
	} {
		if value != "" {
			out[key] = value
		}
	}
	return out, nil
}

func lookup[K comparable](names map[K]string, key K) string {
	if name, ok := names[key]; ok {
		return name
	}
	return fmt.Sprintf("unknown (%v)", key)
}

// schedule summarizes the weekly table of 15 minute slots.
func schedule(table []byte) string {
	active := lo.CountBy(table, func(b byte) bool { return b != 0 })
	switch active {
	case len(table):
		return "always"
	case 0:
		return "never"
	}
	return fmt.Sprintf("%d of %d quarter hours per week", active, len(table))
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// wideString decodes a NUL terminated UTF-16LE field.
func wideString(b []byte) (string, error) {
	end := len(b) &^ 1
	for i := 0; i+1 < len(b); i += 2 {
		if b[i] == 0 && b[i+1] == 0 {
			end = i
			break
		}
	}
	decoded, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(b[:end])
	if err != nil {
		return "", fmt.Errorf("unable to decode UTF-16 string: %w", err)
	}
	return string(decoded), nil
}
