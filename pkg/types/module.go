package types

import (
	"fmt"
	"strings"
)

// ModuleType identifies the kind of module a peer is.
type ModuleType string

const (
	ModuleLearner     ModuleType = "learner"
	ModulePedagogical ModuleType = "pedagogical"
	ModuleDomain      ModuleType = "domain"
	ModuleTutor       ModuleType = "tutor"
	ModuleUMS         ModuleType = "ums"
	ModuleLMS         ModuleType = "lms"
	ModuleSensor      ModuleType = "sensor"
	ModuleGateway     ModuleType = "gateway"
	ModuleMonitor     ModuleType = "monitor"
)

var moduleDisplayNames = map[ModuleType]string{
	ModuleLearner:     "Learner",
	ModulePedagogical: "Pedagogical",
	ModuleDomain:      "Domain",
	ModuleTutor:       "Tutor",
	ModuleUMS:         "UMS",
	ModuleLMS:         "LMS",
	ModuleSensor:      "Sensor",
	ModuleGateway:     "Gateway",
	ModuleMonitor:     "Monitor",
}

// AllModuleTypes returns every module type in a stable order.
func AllModuleTypes() []ModuleType {
	return []ModuleType{
		ModuleLearner,
		ModulePedagogical,
		ModuleDomain,
		ModuleTutor,
		ModuleUMS,
		ModuleLMS,
		ModuleSensor,
		ModuleGateway,
		ModuleMonitor,
	}
}

// ParseModuleType converts a case-insensitive name into a ModuleType.
func ParseModuleType(s string) (ModuleType, error) {
	mt := ModuleType(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := moduleDisplayNames[mt]; !ok {
		return "", NewError(ErrCodeInvalidArgument, fmt.Sprintf("unknown module type %q", s))
	}
	return mt, nil
}

// IsValid reports whether the module type is one of the known types.
func (m ModuleType) IsValid() bool {
	_, ok := moduleDisplayNames[m]
	return ok
}

// DisplayName returns the human readable name used in destination names.
func (m ModuleType) DisplayName() string {
	if name, ok := moduleDisplayNames[m]; ok {
		return name
	}
	return string(m)
}

// String returns the string representation of the module type
func (m ModuleType) String() string {
	return string(m)
}

// DiscoveryTopic is the broadcast topic peers of this type announce themselves on.
func (m ModuleType) DiscoveryTopic() string {
	return m.DisplayName() + "_Discovery"
}

// AddressTokenDelim separates the tokens of a module inbox address.
const AddressTokenDelim = "_"

// InboxSuffix terminates every module inbox address.
const InboxSuffix = "Inbox"

// FormatAddress builds an inbox address of the form <Type>-Queue_<host>_Inbox.
// A non-empty instance is appended to the last token so several modules of
// one type can share a host.
func FormatAddress(m ModuleType, host, instance string) string {
	addr := m.DisplayName() + "-Queue" + AddressTokenDelim + host + AddressTokenDelim + InboxSuffix
	if instance != "" {
		addr += "-" + instance
	}
	return addr
}

// FormatTopicAddress builds the simulation broadcast topic of a module,
// <Type>_Topic_<host>, with the same instance suffix rule as FormatAddress.
func FormatTopicAddress(m ModuleType, host, instance string) string {
	addr := m.DisplayName() + AddressTokenDelim + "Topic" + AddressTokenDelim + host
	if instance != "" {
		addr += "-" + instance
	}
	return addr
}

// AddressHost extracts the host token from an inbox address. It returns an
// empty string when the address does not follow the inbox format.
func AddressHost(address string) string {
	first := strings.Index(address, AddressTokenDelim)
	last := strings.LastIndex(address, AddressTokenDelim)
	if first < 0 || last <= first {
		return ""
	}
	return address[first+1 : last]
}
