// Package discovery locates a realtime relay on the local network over mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultScanTimeout bounds one browse.
	DefaultScanTimeout = 3 * time.Second
	// DefaultPath is the websocket path used when the TXT record names none.
	DefaultPath = "/ws"
)

// ErrNoRelay is returned when a browse finishes without a usable answer.
var ErrNoRelay = errors.New("discovery: no relay found")

type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls relay lookup.
type Config struct {
	Service     string
	Domain      string
	ScanTimeout time.Duration

	browseFn browseFunc
}

func (c Config) withDefaults() (Config, error) {
	out := c
	out.Service = strings.TrimSpace(out.Service)
	if out.Service == "" {
		return Config{}, errors.New("service name is required")
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.browseFn == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return Config{}, fmt.Errorf("create mDNS resolver: %w", err)
		}
		out.browseFn = resolver.Browse
	}
	return out, nil
}

// Relay is one advertised realtime endpoint.
type Relay struct {
	Instance string
	HostName string
	Port     int
	Address  string
	Path     string
}

// URL returns the websocket endpoint of the relay.
func (r Relay) URL() string {
	host := r.Address
	if host == "" {
		host = strings.TrimSuffix(r.HostName, ".")
	}
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(host, strconv.Itoa(r.Port)),
		Path:   r.Path,
	}
	return u.String()
}

// ResolveRelay returns the websocket URL of the first relay that answers.
func ResolveRelay(ctx context.Context, config Config) (string, error) {
	cfg, err := config.withDefaults()
	if err != nil {
		return "", err
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	found := make(chan Relay, 1)
	err = browse(scanCtx, cfg, func(relay Relay) bool {
		select {
		case found <- relay:
		default:
		}
		cancel()
		return false
	})
	if err != nil {
		return "", err
	}

	select {
	case relay := <-found:
		return relay.URL(), nil
	default:
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("%w: service %s", ErrNoRelay, cfg.Service)
}

// Browse collects every relay that answers within the scan timeout, ordered by instance.
func Browse(ctx context.Context, config Config) ([]Relay, error) {
	cfg, err := config.withDefaults()
	if err != nil {
		return nil, err
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	collected := make(map[string]Relay)
	err = browse(scanCtx, cfg, func(relay Relay) bool {
		collected[relay.URL()] = relay
		return true
	})
	if err != nil {
		return nil, err
	}

	relays := make([]Relay, 0, len(collected))
	for _, relay := range collected {
		relays = append(relays, relay)
	}
	sort.Slice(relays, func(i, j int) bool {
		if relays[i].Instance != relays[j].Instance {
			return relays[i].Instance < relays[j].Instance
		}
		return relays[i].URL() < relays[j].URL()
	})
	return relays, nil
}

// browse runs one scan window, calling visit from a single goroutine until it returns
// false or the window closes.
func browse(scanCtx context.Context, cfg Config, visit func(Relay) bool) error {
	entries := make(chan *zeroconf.ServiceEntry, 32)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				relay, ok := parseEntry(entry)
				if !ok {
					continue
				}
				if !visit(relay) {
					return
				}
			}
		}
	}()

	if err := cfg.browseFn(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		return fmt.Errorf("browse mDNS service %s: %w", cfg.Service, err)
	}

	<-scanCtx.Done()
	<-collectorDone
	return nil
}

func parseEntry(entry *zeroconf.ServiceEntry) (Relay, bool) {
	if entry.Port <= 0 {
		return Relay{}, false
	}

	txt := txtToMap(entry.Text)
	path := strings.TrimSpace(txt["path"])
	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	address := ""
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip != nil && ip.String() != "" {
			address = ip.String()
			break
		}
	}
	if address == "" && strings.TrimSpace(entry.HostName) == "" {
		return Relay{}, false
	}

	return Relay{
		Instance: strings.TrimSpace(entry.Instance),
		HostName: entry.HostName,
		Port:     entry.Port,
		Address:  address,
		Path:     path,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
