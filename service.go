package mdns

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"github.com/miekg/dns"
)

// A service type which identifies an application or protocol, e.g. a http server, printer or an IoT
// device.
type Type struct {

	// Service type name, on the form `_my-service._tcp` or `_my-service._udp`
	Name string `json:"type"`

	// Service subtypes, e.g. `_printer`. A service can be published with multiple subtypes.
	// While browsing, a single subtype can be specified to narrow the query.
	// See RFC 6763 Section 7.1.
	Subtypes []string `json:"subtypes"`

	// Domain should be `local`
	Domain string `json:"domain"`
}

func (s *Type) String() string {
	var sub string
	if len(s.Subtypes) > 0 {
		sub = "," + strings.Join(s.Subtypes, ",")
	}
	return fmt.Sprintf("%s.%s%s", s.Name, s.Domain, sub)
}

// Returns a type based on a string on the form `_my-service._tcp` or `_my-service._udp`.
//
// The domain is `local` by default, but can be specified explicitly, with or without a trailing
// dot. Finally, a comma-separated list of subtypes can be added at the end. Here is a full example:
//
// `_my-service._tcp.custom.domain,_printer,_sub1,_sub2`
func NewType(typeStr string) *Type {
	typeParts := strings.Split(typeStr, ",")
	ty := &Type{
		Subtypes: typeParts[1:],
	}
	pathParts := strings.Split(trimDot(typeParts[0]), ".")
	i := min(2, len(pathParts))
	ty.Name = strings.Join(pathParts[0:i], ".")
	ty.Domain = strings.Join(pathParts[i:], ".")
	if ty.Domain == "" {
		ty.Domain = "local"
	}
	return ty
}

// Equality *without* subtypes
func (s *Type) Equal(o *Type) bool {
	return strings.EqualFold(s.Name, o.Name) && strings.EqualFold(s.Domain, o.Domain)
}

func (s *Type) normalize() {
	s.Name = strings.ToLower(s.Name)
	s.Domain = strings.ToLower(trimDot(s.Domain))
	for i, subtype := range s.Subtypes {
		s.Subtypes[i] = strings.ToLower(subtype)
	}
	slices.Sort(s.Subtypes)
	s.Subtypes = slices.Compact(s.Subtypes)
}

// Validate normalizes the type to lower case and checks that it's well-formed.
func (s *Type) Validate() error {
	s.normalize()
	if labels, ok := dns.IsDomainName(s.Name); !ok || labels != 2 {
		return fmt.Errorf("invalid service [%s] needs to be dot-separated", s.Name)
	}
	if !strings.HasPrefix(s.Name, "_") {
		return fmt.Errorf("invalid service [%s] needs a leading underscore", s.Name)
	}
	if proto := s.Name[strings.IndexByte(s.Name, '.')+1:]; proto != "_tcp" && proto != "_udp" {
		return fmt.Errorf("invalid service [%s] protocol must be _tcp or _udp", s.Name)
	}
	if _, ok := dns.IsDomainName(s.Domain); !ok || s.Domain == "" {
		return fmt.Errorf("invalid domain [%s]", s.Domain)
	}
	for _, subtype := range s.Subtypes {
		if labels, ok := dns.IsDomainName(subtype); !ok || labels != 1 {
			return fmt.Errorf("invalid subtype [%s]", subtype)
		}
	}
	return nil
}

// A service to be published on the local network. It is reachable at the advertised addresses
// and port number.
type Service struct {
	Type *Type `json:"type"`

	// A name that identifies a service of a given type, e.g. `Office Printer`. If the name is
	// taken by another responder, a suffix is added, e.g. `Office Printer (2)`.
	Name string `json:"name"`

	// A non-zero port number
	Port uint16 `json:"port"`

	// Hostname, e.g. `Bryans-Mac.local`. Defaults to the hostname of the engine.
	Hostname string `json:"hostname"`

	// A set of IP addresses. If empty, the addresses of each network interface are used.
	Addrs []netip.Addr `json:"addrs"`

	// Optional additional data, typically on the form `key=value`
	Text []string `json:"text"`
}

// Create a new service for publishing. If no hostname is set, the engine fills in its own, which
// is based on `os.Hostname()` by default. Choose a unique name to avoid conflicts with other
// services of the same type.
func NewService(ty *Type, name string, port uint16) *Service {
	return &Service{
		Type: ty,
		Name: name,
		Port: port,
	}
}

func (s *Service) String() string {
	return fmt.Sprintf("%v (%v)", s.Name, s.Type)
}

func (s *Service) Validate() error {
	if s.Type == nil {
		return errors.New("no type specified")
	}
	if err := s.Type.Validate(); err != nil {
		return err
	}
	if s.Name == "" {
		return errors.New("no name specified")
	}
	if len(s.Name) > 63 {
		return fmt.Errorf("name [%s] is longer than 63 bytes", s.Name)
	}
	if s.Hostname == "" {
		return errors.New("no hostname specified")
	}
	if s.Port == 0 {
		return errors.New("port is 0")
	}
	return nil
}

// Identity of a service within an engine: type, name and port.
func (s *Service) key() string {
	return fmt.Sprintf("%s|%s|%d", strings.ToLower(instanceName(s.Name, s.Type)), s.Type, s.Port)
}

// A service instance discovered on the network, assembled from its PTR, SRV, TXT and A/AAAA records.
type Instance struct {
	Type *Type `json:"type"`

	// Instance name, unescaped, e.g. `Office Printer`
	Name string `json:"name"`

	// Target host of the SRV record, without trailing dot
	Hostname string `json:"hostname"`

	Port  uint16       `json:"port"`
	Text  []string     `json:"text"`
	Addrs []netip.Addr `json:"addrs"`

	// True if all of PTR, SRV, TXT and at least one address are present and unexpired.
	Complete bool `json:"complete"`
}

func (i *Instance) String() string {
	return fmt.Sprintf("%v (%v)", i.Name, i.Hostname)
}

// Equal compares everything but the type.
func (i *Instance) Equal(o *Instance) bool {
	if i.Name != o.Name || i.Hostname != o.Hostname || i.Port != o.Port || i.Complete != o.Complete {
		return false
	}
	// Addrs are sorted when instances are assembled
	return slices.Equal(i.Text, o.Text) && slices.Equal(i.Addrs, o.Addrs)
}

// Attributes parses the TXT strings into a map. Keys are case-insensitive and the first occurrence
// of a key wins. Keys without a value map to the empty string.
//
// See RFC 6763 Section 6.4.
func (i *Instance) Attributes() map[string]string {
	attrs := make(map[string]string, len(i.Text))
	for _, kv := range i.Text {
		k, v, _ := strings.Cut(kv, "=")
		k = strings.ToLower(k)
		if k == "" {
			continue
		}
		if _, ok := attrs[k]; !ok {
			attrs[k] = v
		}
	}
	return attrs
}
