// Package capability implements the capability manager: grant, revoke,
// check, delegate, and list typed capabilities held by guest modules, with
// hierarchical implication and delegation-cycle detection.
package capability

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/helium/pkg/metrics"
	"github.com/cuemby/helium/pkg/types"
)

// SystemGranter is the caller identity that bypasses the "must already
// hold what it grants" rule.
const SystemGranter = "system"

// DefaultAllocateMemoryBytes is the memory cap granted to every new
// module by GrantDefaults.
const DefaultAllocateMemoryBytes = 16 * 1024 * 1024

// Error is the sentinel error type the capability manager returns. Kind
// lets callers map straight onto the host ABI's result codes without
// string matching.
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func notGranted(module string, cap types.Capability) error {
	return &Error{Kind: "NotGranted", Message: fmt.Sprintf("module %s lacks capability %s", module, cap)}
}

func circularDependency() error {
	return &Error{Kind: "CircularDependency", Message: "delegation would create a cycle"}
}

func invalidDelegation(msg string) error {
	return &Error{Kind: "InvalidDelegation", Message: msg}
}

// Manager grants, revokes, and checks capabilities held by modules. All
// state is protected by a single mutex; operations are short and never
// call into a guest while the lock is held.
type Manager struct {
	mu         sync.Mutex
	grants     map[string][]types.Grant // module -> grants
	delegation map[string][]string      // module -> modules it received a delegated capability from
}

// NewManager creates an empty capability manager.
func NewManager() *Manager {
	return &Manager{
		grants:     make(map[string][]types.Grant),
		delegation: make(map[string][]string),
	}
}

// Grant binds a capability to module, checking that granter is authorized
// to do so. Duplicate grants (same module, capability, granter) are
// idempotent.
func (m *Manager) Grant(module string, cap types.Capability, granter string, delegatable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if granter != SystemGranter {
		if !m.hasLocked(granter, types.Capability{Kind: types.CapCreateCapability}) {
			if !m.hasLocked(granter, cap) {
				metrics.CapabilityChecks.WithLabelValues("denied").Inc()
				return notGranted(granter, cap)
			}
			if !m.delegatableLocked(granter, cap) {
				return invalidDelegation(fmt.Sprintf("capability %s is not delegatable by %s", cap, granter))
			}
		}
	}

	for _, g := range m.grants[module] {
		if g.Capability == cap && g.Granter == granter {
			metrics.CapabilityGrants.Inc()
			return nil
		}
	}

	m.grants[module] = append(m.grants[module], types.Grant{
		ID:          uuid.New().String(),
		Module:      module,
		Capability:  cap,
		Granter:     granter,
		GrantedAt:   time.Now(),
		Delegatable: delegatable,
	})
	metrics.CapabilityGrants.Inc()
	return nil
}

// Revoke removes all grants of cap held by module.
func (m *Manager) Revoke(module string, cap types.Capability) {
	m.mu.Lock()
	defer m.mu.Unlock()

	grants := m.grants[module]
	kept := grants[:0]
	for _, g := range grants {
		if g.Capability != cap {
			kept = append(kept, g)
		}
	}
	if len(kept) == 0 {
		delete(m.grants, module)
	} else {
		m.grants[module] = kept
	}
	metrics.CapabilityRevocations.Inc()
}

// Has reports whether module currently holds cap, directly or via
// implication, ignoring expired grants.
func (m *Manager) Has(module string, cap types.Capability) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ok := m.hasLocked(module, cap)
	if ok {
		metrics.CapabilityChecks.WithLabelValues("granted").Inc()
	} else {
		metrics.CapabilityChecks.WithLabelValues("denied").Inc()
	}
	return ok
}

func (m *Manager) hasLocked(module string, cap types.Capability) bool {
	now := time.Now()
	for _, g := range m.grants[module] {
		if g.Expired(now) {
			continue
		}
		if g.Capability == cap || Implies(g.Capability, cap) {
			return true
		}
	}
	return false
}

func (m *Manager) delegatableLocked(module string, cap types.Capability) bool {
	for _, g := range m.grants[module] {
		if g.Capability == cap {
			return g.Delegatable
		}
	}
	return false
}

// Require returns a NotGranted error unless module holds cap.
func (m *Manager) Require(module string, cap types.Capability) error {
	if !m.Has(module, cap) {
		return notGranted(module, cap)
	}
	return nil
}

// Delegate grants cap to `to` on behalf of `from`, provided `from` holds
// DelegateCapability, holds cap itself, and that holding is delegatable.
// Rejects any delegation that would introduce a cycle in the delegation
// graph.
func (m *Manager) Delegate(from, to string, cap types.Capability) error {
	if err := m.Require(from, types.Capability{Kind: types.CapDelegateCapability}); err != nil {
		return err
	}
	if !m.Has(from, cap) {
		return notGranted(from, cap)
	}

	m.mu.Lock()
	if !m.delegatableLocked(from, cap) {
		m.mu.Unlock()
		return invalidDelegation(fmt.Sprintf("capability %s is not delegatable by %s", cap, from))
	}

	// Cycle check: walk the existing graph (to -> from -> ... ) and reject
	// if `to` is already reachable from `from`, i.e. adding edge to->from
	// would close a loop.
	if m.reachableLocked(from, to) {
		m.mu.Unlock()
		return circularDependency()
	}
	m.delegation[to] = append(m.delegation[to], from)
	m.mu.Unlock()

	return m.Grant(to, cap, from, true)
}

// reachableLocked reports whether start can reach target by following the
// "received a delegation from" edges. Must be called with m.mu held.
func (m *Manager) reachableLocked(start, target string) bool {
	if start == target {
		return true
	}
	visited := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range m.delegation[cur] {
			if next == target {
				return true
			}
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// List returns all unexpired capabilities currently held by module.
func (m *Manager) List(module string) []types.Capability {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var out []types.Capability
	for _, g := range m.grants[module] {
		if !g.Expired(now) {
			out = append(out, g.Capability)
		}
	}
	return out
}

// CheckAccess maps a VFS-style (resource, op) pair onto the corresponding
// state capability and requires it.
func (m *Manager) CheckAccess(module, resource, op string) error {
	var kind types.CapabilityKind
	switch op {
	case "read":
		kind = types.CapReadState
	case "write":
		kind = types.CapWriteState
	case "delete":
		kind = types.CapDeleteState
	case "list":
		kind = types.CapListState
	default:
		return &Error{Kind: "InvalidArg", Message: fmt.Sprintf("unknown access operation %q", op)}
	}
	return m.Require(module, types.Capability{Kind: kind, Param: resource})
}

// GrantDefaults issues the capabilities every newly-installed module
// receives: SystemInfo and a 16 MiB AllocateMemory budget.
func (m *Manager) GrantDefaults(module string) error {
	if err := m.Grant(module, types.Capability{Kind: types.CapSystemInfo}, SystemGranter, false); err != nil {
		return err
	}
	return m.Grant(module, types.Capability{
		Kind:  types.CapAllocateMemory,
		Param: fmt.Sprintf("%d", DefaultAllocateMemoryBytes),
	}, SystemGranter, false)
}

// Implies reports whether holding `have` entitles the holder to `want`,
// per the fixed hierarchy: Write implies Read for the same namespace;
// Delete implies Write and Read; CreateCapability implies everything.
func Implies(have, want types.Capability) bool {
	if have.Kind == types.CapCreateCapability {
		return true
	}
	switch have.Kind {
	case types.CapWriteState:
		return want.Kind == types.CapReadState && have.Param == want.Param
	case types.CapDeleteState:
		return (want.Kind == types.CapWriteState || want.Kind == types.CapReadState) && have.Param == want.Param
	case types.CapAllocateMemory:
		// A sized allocation budget implies the bare permission to
		// allocate at all, which is what the host ABI checks.
		return want.Kind == types.CapAllocateMemory && want.Param == ""
	default:
		return false
	}
}
