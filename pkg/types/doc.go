/*
Package types defines the plain data structures shared across the host.

This package holds the domain model every other package speaks in:
capabilities and grants, module configurations, the stored-code and
installed-module registry records, and the module manifest format the CLI
and governance accept. It has no behavior beyond parsing/formatting
helpers and depends on nothing but the standard library, so any package
can import it without cycles.

# Core Types

  - Capability / CapabilityKind — the tagged capability variants
    (read_state, write_state, send_message, ...) with their wire format
    ("kind:param:sub") used by manifests, the CLI, and the ABI's
    capability-check call.
  - Grant — a capability bound to a holder module with granter,
    timestamps, optional expiry, and the delegatable flag.
  - ModuleConfig — what a module handles and requires: message types,
    endpoints, dependencies, capability names, gas and memory limits.
  - StoredCode / CodeMetadata — an immutable WASM blob with its SHA-256
    checksum, as held in the code registry.
  - InstalledModule — the persisted record of a governed module instance,
    including its version and upgrade history.
  - ModuleManifestEntry — the YAML manifest shape accepted at startup:
    {name, path, preload, capabilities, memory_limit?, gas_limit?,
    endpoints, message_types}.

All types are JSON- and YAML-serializable; registry records round-trip
through the VFS's system namespace.
*/
package types
