package mdns

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Options for an Engine
type Options struct {
	logger    *slog.Logger
	cfg       Config
	transport Transport
	selectors []string
}

// Returns a new options with default values. Remember to call `Open` at the end to create an
// engine.
func New() *Options {
	return &Options{
		logger: slog.Default(),
		cfg: Config{
			Interfaces: net.Interfaces,
			IPType:     IPv4AndIPv6,
		},
	}
}

// Checks that the options are sound.
func (o *Options) Validate() error {
	var errs []error
	if o.cfg.IPType&IPv4AndIPv6 == 0 {
		errs = append(errs, errors.New("no IP type enabled"))
	}
	if o.cfg.QueryTimeout < 0 {
		errs = append(errs, errors.New("negative query timeout"))
	}
	if o.cfg.MaxAge < 0 {
		errs = append(errs, errors.New("negative expiry"))
	}
	if h := o.cfg.Hostname; h != "" {
		if _, ok := dns.IsDomainName(h); !ok {
			errs = append(errs, fmt.Errorf("invalid hostname [%s]", h))
		}
	}
	if o.cfg.Interfaces == nil && o.transport == nil {
		errs = append(errs, errors.New("no interfaces"))
	}
	return errors.Join(errs...)
}

// While browsing, override received TTL (normally 120s or 75min) with a custom duration. A low
// value, like 30s, can help detect stale services faster, but results in more frequent refresh
// queries. Services that unannounce themselves are always removed immediately.
func (o *Options) Expiry(age time.Duration) *Options {
	o.cfg.MaxAge = age
	return o
}

// Change the IP protocol(s) to IPv4, IPv6 or IPv4AndIPv6 (default). This will affect
// self-announced addresses, but those received from others can still be either type.
func (o *Options) IPType(t IPType) *Options {
	o.cfg.IPType = t
	return o
}

// Enable or disable IPv6, which is enabled by default.
func (o *Options) EnableIPv6(enable bool) *Options {
	if enable {
		o.cfg.IPType |= IPv6
	} else {
		o.cfg.IPType &^= IPv6
	}
	return o
}

// Duration of one-shot queries, i.e. Lookup and DiscoverTypes. The default is 3s.
func (o *Options) QueryTimeout(d time.Duration) *Options {
	o.cfg.QueryTimeout = d
	return o
}

// Hostname for services that don't specify one. The default is based on `os.Hostname()`.
func (o *Options) Hostname(hostname string) *Options {
	o.cfg.Hostname = ensureSuffix(trimDot(hostname), ".local")
	return o
}

// Attach a custom logger. The default is `slog.Default()`.
func (o *Options) Logger(l *slog.Logger) *Options {
	o.logger = l
	return o
}

// Use custom network interfaces. The default is `net.Interfaces`.
func (o *Options) Interfaces(fn func() ([]net.Interface, error)) *Options {
	o.cfg.Interfaces = fn
	return o
}

// Restrict the network interfaces to those matching a name (e.g. `eth0`) or an address
// (e.g. `192.168.1.10`).
func (o *Options) SelectInterfaces(selectors ...string) *Options {
	o.selectors = append(o.selectors, selectors...)
	return o
}

// Use a custom transport instead of UDP sockets, e.g. a virtual network for tests. The interface
// and IP type options don't affect custom transports.
func (o *Options) Transport(t Transport) *Options {
	o.transport = t
	return o
}

// Open an engine with the current options. An error is returned if the options are invalid or
// there's an issue opening the sockets, in which case it's a *TransportError.
func (o *Options) Open() (*Engine, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	cfg := o.cfg.resolve()
	if len(o.selectors) > 0 {
		cfg.Interfaces = selectInterfaces(cfg.Interfaces, o.selectors...)
	}
	transport := o.transport
	if transport == nil {
		conn, err := newDualConn(cfg.Interfaces, cfg.IPType, o.logger)
		if err != nil {
			return nil, err
		}
		transport = conn
	}
	o.logger.Debug("mdns engine opened", "ifaces", transport.Interfaces(), "ip", cfg.IPType)
	return newEngine(cfg, o.logger, transport), nil
}
