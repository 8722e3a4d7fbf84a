package network

import (
	"fmt"
	"net"
	"strings"

	"github.com/billm/tutornet/pkg/types"
)

// ConnectionFilter narrows the candidates considered when selecting a module
// instance. Required addresses are OR-matched as substrings of the candidate
// address, ignored addresses are matched exactly ignoring case, and a
// required module must match the candidate's type and address.
type ConnectionFilter struct {
	required       []string
	ignored        []string
	requiredModule *types.PeerDescriptor
}

// NewConnectionFilter returns a filter that accepts everything
func NewConnectionFilter() *ConnectionFilter {
	return &ConnectionFilter{}
}

// Derive returns an independent copy that can accumulate more constraints
func (f *ConnectionFilter) Derive() *ConnectionFilter {
	if f == nil {
		return NewConnectionFilter()
	}
	out := &ConnectionFilter{
		required: append([]string(nil), f.required...),
		ignored:  append([]string(nil), f.ignored...),
	}
	if f.requiredModule != nil {
		rm := *f.requiredModule
		out.requiredModule = &rm
	}
	return out
}

// AddRequiredAddress adds an address a candidate may contain
func (f *ConnectionFilter) AddRequiredAddress(address string) {
	if address == "" {
		return
	}
	for _, a := range f.required {
		if a == address {
			return
		}
	}
	f.required = append(f.required, address)
}

// AddIgnoreAddress excludes a candidate address
func (f *ConnectionFilter) AddIgnoreAddress(address string) {
	if address == "" || f.IsIgnored(address) {
		return
	}
	f.ignored = append(f.ignored, address)
}

// SetRequiredModule restricts selection to one exact instance
func (f *ConnectionFilter) SetRequiredModule(p types.PeerDescriptor) {
	f.requiredModule = &p
}

// RequiredModule returns the required instance, if any
func (f *ConnectionFilter) RequiredModule() (types.PeerDescriptor, bool) {
	if f == nil || f.requiredModule == nil {
		return types.PeerDescriptor{}, false
	}
	return *f.requiredModule, true
}

// RequiredAddresses returns a copy of the required addresses
func (f *ConnectionFilter) RequiredAddresses() []string {
	if f == nil {
		return nil
	}
	return append([]string(nil), f.required...)
}

// IgnoredAddresses returns a copy of the ignored addresses
func (f *ConnectionFilter) IgnoredAddresses() []string {
	if f == nil {
		return nil
	}
	return append([]string(nil), f.ignored...)
}

// IsIgnored reports whether address is on the ignore list
func (f *ConnectionFilter) IsIgnored(address string) bool {
	if f == nil {
		return false
	}
	for _, a := range f.ignored {
		if strings.EqualFold(a, address) {
			return true
		}
	}
	return false
}

// IsAddressRequired reports whether address contains one of the required addresses
func (f *ConnectionFilter) IsAddressRequired(address string) bool {
	if f == nil {
		return false
	}
	for _, r := range f.required {
		if strings.Contains(address, r) {
			return true
		}
	}
	return false
}

// Accept reports whether a candidate passes the filter
func (f *ConnectionFilter) Accept(p types.PeerDescriptor) bool {
	if f == nil {
		return true
	}
	if f.requiredModule != nil && !f.requiredModule.Matches(p) {
		return false
	}
	if f.IsIgnored(p.Address) {
		return false
	}
	if len(f.required) > 0 && !f.IsAddressRequired(p.Address) {
		return false
	}
	return true
}

// String returns a string representation of the filter
func (f *ConnectionFilter) String() string {
	if f == nil {
		return "ConnectionFilter{}"
	}
	required := "none"
	if f.requiredModule != nil {
		required = f.requiredModule.String()
	}
	return fmt.Sprintf("ConnectionFilter{required: %v, ignored: %v, module: %s}", f.required, f.ignored, required)
}

// LocalAddressesFunc lists the addresses of this host
type LocalAddressesFunc func() []string

// InterfaceAddresses returns the IP address of every local network interface
func InterfaceAddresses() []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		switch v := a.(type) {
		case *net.IPNet:
			out = append(out, v.IP.String())
		case *net.IPAddr:
			out = append(out, v.IP.String())
		}
	}
	return out
}

// IsLocalAddress reports whether address is one of the local addresses
func IsLocalAddress(address string, local LocalAddressesFunc) bool {
	if ip := net.ParseIP(address); ip != nil && ip.IsLoopback() {
		return true
	}
	if local == nil {
		return false
	}
	for _, a := range local() {
		if a == address {
			return true
		}
	}
	return false
}

// CreateConnectionFilter returns a filter requiring requiredIP. When the
// address belongs to this host every local address is accepted as well, so a
// module reachable through another interface still matches.
func CreateConnectionFilter(requiredIP string, local LocalAddressesFunc) *ConnectionFilter {
	f := NewConnectionFilter()
	requiredIP = strings.TrimSpace(requiredIP)
	if requiredIP == "" {
		return f
	}
	f.AddRequiredAddress(requiredIP)
	if IsLocalAddress(requiredIP, local) && local != nil {
		for _, a := range local() {
			f.AddRequiredAddress(a)
		}
	}
	return f
}
