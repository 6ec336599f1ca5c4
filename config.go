package mdns

import (
	"net"
	"os"
	"strings"
	"time"
)

// Write deadline for the goodbye burst on shutdown.
const writeTimeout = 10 * time.Millisecond

// IPType specifies the IP traffic the engine uses.
// This does not guarantee that only mDNS entries of this specific
// type passes. E.g. typical mDNS packets distributed via IPv4, often contain
// both DNS A and AAAA entries.
type IPType uint8

// Options for IPType.
const (
	IPv4        IPType = 0x01
	IPv6        IPType = 0x02
	IPv4AndIPv6        = IPv4 | IPv6 // default option
)

func (t IPType) String() string {
	switch t {
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	case IPv4AndIPv6:
		return "ipv4+ipv6"
	default:
		return "none"
	}
}

// Config is the resolved configuration of an engine. Use Options to build one.
type Config struct {
	// Interfaces to use for mDNS, net.Interfaces by default. Interfaces that don't support
	// multicast are filtered out.
	Interfaces func() ([]net.Interface, error)

	// IP protocol(s) for both querying and responding, default = IPv4AndIPv6.
	// Note that while browsing, other instances may still include addresses of either type.
	IPType IPType

	// While browsing, artificially shorten the life-time of records if their advertised TTL is
	// higher, which helps detect services that disappear more promptly. Note that this results
	// in more frequent refresh queries. Zero means no limit.
	MaxAge time.Duration

	// Duration of one-shot queries (Lookup and DiscoverTypes), default = 3s.
	QueryTimeout time.Duration

	// Hostname used for registered services that don't specify one, default = `os.Hostname()`
	// in the `.local` domain.
	Hostname string

	// Domain for service type enumeration, default = `local`.
	Domain string
}

func (c *Config) ipType() IPType {
	if c.IPType == 0 {
		return IPv4AndIPv6
	}
	return c.IPType
}

func (c *Config) maxAge() time.Duration {
	if c.MaxAge == 0 {
		return 0
	}
	return max(5*time.Second, c.MaxAge)
}

func (c *Config) queryTimeout() time.Duration {
	if c.QueryTimeout == 0 {
		return 3 * time.Second
	}
	return c.QueryTimeout
}

func (c *Config) hostname() string {
	if c.Hostname != "" {
		return c.Hostname
	}
	osHostname, _ := os.Hostname()
	// The OS hostname may be a FQDN already, only the first label is used
	osHostname, _, _ = strings.Cut(osHostname, ".")
	return osHostname + ".local"
}

func (c *Config) domain() string {
	if c.Domain == "" {
		return "local"
	}
	return trimDot(c.Domain)
}

// Returns a copy with defaults filled in.
func (c Config) resolve() Config {
	if c.Interfaces == nil {
		c.Interfaces = net.Interfaces
	}
	c.IPType = c.ipType()
	c.MaxAge = c.maxAge()
	c.QueryTimeout = c.queryTimeout()
	c.Hostname = c.hostname()
	c.Domain = c.domain()
	return c
}
