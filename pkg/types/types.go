// Package types holds the plain data-model structs shared across the
// host: capabilities, modules, stored code, and the manifest format
// accepted by governance and the router.
package types

import (
	"fmt"
	"strings"
	"time"
)

// CapabilityKind names the tagged variant of a Capability. Namespace,
// message-type, and other parameters travel alongside the kind rather than
// being encoded into it, so the capability manager can compare and imply
// without string parsing in the hot path.
type CapabilityKind string

const (
	CapReadState          CapabilityKind = "read_state"
	CapWriteState         CapabilityKind = "write_state"
	CapDeleteState        CapabilityKind = "delete_state"
	CapListState          CapabilityKind = "list_state"
	CapSendMessage        CapabilityKind = "send_message"
	CapReceiveMessage     CapabilityKind = "receive_message"
	CapEmitEvent          CapabilityKind = "emit_event"
	CapAllocateMemory     CapabilityKind = "allocate_memory"
	CapExecuteModule      CapabilityKind = "execute_module"
	CapCreateCapability   CapabilityKind = "create_capability"
	CapDelegateCapability CapabilityKind = "delegate_capability"
	CapSystemInfo         CapabilityKind = "system_info"
	CapNetwork            CapabilityKind = "network"
	CapCrypto             CapabilityKind = "crypto"
	CapCustom             CapabilityKind = "custom"
	CapLog                CapabilityKind = "log"
	CapAccessTransaction  CapabilityKind = "access_transaction"
)

// Capability is a tagged union over the capability kinds. Param holds the
// namespace, message type, byte cap (as a decimal string), module name,
// or custom operation, depending on Kind; Sub holds a secondary qualifier
// (the network/crypto variant, or the custom namespace when Kind ==
// CapCustom and Param holds the op).
type Capability struct {
	Kind  CapabilityKind
	Param string
	Sub   string
}

// String renders a capability in the wire format used by manifests and the
// CLI, e.g. "read_state:bank", "crypto:sign", "network:http:example.com".
func (c Capability) String() string {
	s := string(c.Kind)
	if c.Param != "" {
		s += ":" + c.Param
	}
	if c.Sub != "" {
		s += ":" + c.Sub
	}
	return s
}

// ParseCapability parses the wire format Capability.String produces
// ("kind", "kind:param", or "kind:param:sub") back into a Capability. Used
// by the host ABI to decode a guest-supplied capability-check argument.
func ParseCapability(s string) (Capability, error) {
	parts := strings.SplitN(s, ":", 3)
	if parts[0] == "" {
		return Capability{}, fmt.Errorf("types: empty capability kind in %q", s)
	}
	c := Capability{Kind: CapabilityKind(parts[0])}
	if len(parts) > 1 {
		c.Param = parts[1]
	}
	if len(parts) > 2 {
		c.Sub = parts[2]
	}
	return c, nil
}

// Grant binds a capability to a holder module.
type Grant struct {
	ID          string
	Module      string
	Capability  Capability
	Granter     string
	GrantedAt   time.Time
	ExpiresAt   *time.Time
	Delegatable bool
}

// Expired reports whether the grant is no longer valid at t.
func (g Grant) Expired(t time.Time) bool {
	return g.ExpiresAt != nil && !g.ExpiresAt.After(t)
}

// ModuleConfig enumerates what a module handles and requires, the shape
// governance materializes from a StoredCode plus install-time
// configuration.
type ModuleConfig struct {
	Name           string
	Capabilities   []string
	MessageTypes   []string
	Endpoints      []string
	Dependencies   []string
	GasLimit       uint64
	MemoryLimit    uint64
	ExportsHandler bool
}

// InstalledModule is the persisted record of a governed module instance.
type InstalledModule struct {
	Name        string
	CodeID      uint64
	Config      ModuleConfig
	InstalledAt time.Time
	UpgradedAt  *time.Time
	Authority   string
	Version     string
}

// CodeMetadata accompanies a StoredCode submission.
type CodeMetadata struct {
	Checksum    [32]byte
	Description string
	Version     string
}

// StoredCode is an immutable WASM blob registered via StoreCode.
type StoredCode struct {
	CodeID    uint64
	WasmBytes []byte
	Metadata  CodeMetadata
	CreatedAt time.Time
	Creator   string
}

// ModuleManifestEntry is the accepted configuration format for a module,
// as loaded from a YAML manifest.
type ModuleManifestEntry struct {
	Name         string   `yaml:"name"`
	Path         string   `yaml:"path"`
	Preload      bool     `yaml:"preload"`
	Capabilities []string `yaml:"capabilities"`
	MemoryLimit  *uint64  `yaml:"memory_limit,omitempty"`
	GasLimit     *uint64  `yaml:"gas_limit,omitempty"`
	Endpoints    []string `yaml:"endpoints"`
	MessageTypes []string `yaml:"message_types"`
}
