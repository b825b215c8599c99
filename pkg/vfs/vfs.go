// Package vfs presents blockchain key-value namespaces to guest modules
// as a POSIX-like file interface: open/read/write/seek/close/stat/unlink
// over paths of the form /<namespace>/<key-with-slashes>, gated by the
// capability manager.
package vfs

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/helium/pkg/capability"
	"github.com/cuemby/helium/pkg/metrics"
	"github.com/cuemby/helium/pkg/store"
)

// FileType classifies what stat/open resolved a path to.
type FileType int

const (
	FileTypeFile FileType = iota
	FileTypeDirectory
	FileTypeMount
)

// FileInfo is the result of Stat.
type FileInfo struct {
	Path     string
	Type     FileType
	Size     int
	Modified time.Time
}

// Interface is a pluggable mount backend: an alternative to a raw KV
// namespace, e.g. for exposing host-computed data at a fixed path.
type Interface interface {
	Read(path string, buf []byte) (int, error)
	Write(path string, data []byte) (int, error)
}

// mount is either a namespace alias onto a Store or a pluggable
// Interface; it short-circuits all namespace/path-parsing logic.
type mount struct {
	iface Interface
}

// descriptor is an open file handle. Writes accumulate in content until
// Close flushes them to the backing store.
type descriptor struct {
	path      string
	namespace string
	key       string
	position  int
	content   []byte
	writable  bool
	dirty     bool
	mountIf   Interface
}

func (d *descriptor) isDirectory() bool {
	return d.mountIf == nil && d.key == ""
}

// firstReservedFD is the first descriptor number VFS hands out; 0/1/2 are
// reserved the way stdio is on a POSIX system.
const firstReservedFD = 3

// VFS is the virtual filesystem. All mutable state is protected by a
// single mutex; namespace reads/writes beyond that are serialized by the
// backing Store.
type VFS struct {
	mu     sync.Mutex
	stores map[string]store.Store
	mounts map[string]mount
	fds    map[int]*descriptor
	nextFD int
	caps   *capability.Manager
}

// New creates an empty VFS gated by the given capability manager.
func New(caps *capability.Manager) *VFS {
	return &VFS{
		stores: make(map[string]store.Store),
		mounts: make(map[string]mount),
		fds:    make(map[int]*descriptor),
		nextFD: firstReservedFD,
		caps:   caps,
	}
}

// MountNamespace binds a namespace's first path segment to a backing
// Store.
func (v *VFS) MountNamespace(namespace string, s store.Store) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stores[namespace] = s
}

// Mount binds an exact path to a pluggable Interface, short-circuiting
// namespace resolution for that path.
func (v *VFS) Mount(path string, iface Interface) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.mounts[path] = mount{iface: iface}
}

func parsePath(path string) (namespace, key string, err error) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "", "", fmt.Errorf("vfs: path cannot be empty")
	}
	parts := strings.SplitN(trimmed, "/", 2)
	namespace = parts[0]
	if len(parts) == 1 {
		return namespace, "", nil
	}
	return namespace, parts[1], nil
}

func (v *VFS) allocFD() int {
	fd := v.nextFD
	v.nextFD++
	return fd
}

func accessOp(writable bool) string {
	if writable {
		return "write"
	}
	return "read"
}

// Open opens path for reading or writing, returning a file descriptor.
// The caller's module identity gates the capability check against the
// exact path's namespace.
func (v *VFS) Open(module, path string, writable bool) (int, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.VFSOperationDuration, "open")

	v.mu.Lock()
	if mnt, ok := v.mounts[path]; ok {
		fd := v.allocFD()
		v.fds[fd] = &descriptor{path: path, writable: writable, mountIf: mnt.iface}
		v.mu.Unlock()
		metrics.VFSOperations.WithLabelValues("open", "ok").Inc()
		metrics.VFSOpenDescriptors.Inc()
		return fd, nil
	}
	v.mu.Unlock()

	namespace, key, err := parsePath(path)
	if err != nil {
		metrics.VFSOperations.WithLabelValues("open", "error").Inc()
		return 0, err
	}

	if err := v.caps.CheckAccess(module, namespace, accessOp(writable)); err != nil {
		metrics.VFSOperations.WithLabelValues("open", "denied").Inc()
		return 0, err
	}

	var content []byte
	if key != "" {
		v.mu.Lock()
		s, ok := v.stores[namespace]
		v.mu.Unlock()
		if !ok {
			metrics.VFSOperations.WithLabelValues("open", "error").Inc()
			return 0, fmt.Errorf("vfs: namespace not found: %s", namespace)
		}
		content, err = s.Get(namespace, key)
		if err != nil && err != store.ErrNotFound {
			metrics.VFSOperations.WithLabelValues("open", "error").Inc()
			return 0, err
		}
	}

	v.mu.Lock()
	fd := v.allocFD()
	v.fds[fd] = &descriptor{
		path:      path,
		namespace: namespace,
		key:       key,
		content:   content,
		writable:  writable,
	}
	v.mu.Unlock()

	metrics.VFSOperations.WithLabelValues("open", "ok").Inc()
	metrics.VFSOpenDescriptors.Inc()
	return fd, nil
}

// Create opens path for writing, requiring it to not already hold a
// value.
func (v *VFS) Create(module, path string) (int, error) {
	namespace, key, err := parsePath(path)
	if err != nil {
		return 0, err
	}
	if err := v.caps.CheckAccess(module, namespace, "write"); err != nil {
		return 0, err
	}

	v.mu.Lock()
	s, ok := v.stores[namespace]
	v.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("vfs: namespace not found: %s", namespace)
	}

	if has, _ := s.Has(namespace, key); has {
		metrics.VFSOperations.WithLabelValues("create", "exists").Inc()
		return 0, fmt.Errorf("vfs: file exists: %s", path)
	}

	v.mu.Lock()
	fd := v.allocFD()
	v.fds[fd] = &descriptor{path: path, namespace: namespace, key: key, writable: true}
	v.mu.Unlock()

	metrics.VFSOperations.WithLabelValues("create", "ok").Inc()
	metrics.VFSOpenDescriptors.Inc()
	return fd, nil
}

// Read copies up to len(buf) bytes from fd's current position into buf,
// returning the number of bytes read (0 signals EOF). Reading a directory
// descriptor yields a newline-joined key listing.
func (v *VFS) Read(fd int, buf []byte) (int, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.VFSOperationDuration, "read")

	v.mu.Lock()
	d, ok := v.fds[fd]
	v.mu.Unlock()
	if !ok {
		metrics.VFSOperations.WithLabelValues("read", "error").Inc()
		return 0, fmt.Errorf("vfs: fd not found: %d", fd)
	}

	if d.mountIf != nil {
		n, err := d.mountIf.Read(d.path, buf)
		v.observe("read", err)
		return n, err
	}

	if d.isDirectory() {
		n, err := v.readDirectory(d, buf)
		v.observe("read", err)
		return n, err
	}

	if d.position >= len(d.content) {
		metrics.VFSOperations.WithLabelValues("read", "eof").Inc()
		return 0, nil
	}
	n := copy(buf, d.content[d.position:])
	d.position += n
	metrics.VFSOperations.WithLabelValues("read", "ok").Inc()
	return n, nil
}

func (v *VFS) readDirectory(d *descriptor, buf []byte) (int, error) {
	v.mu.Lock()
	s, ok := v.stores[d.namespace]
	v.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("vfs: namespace not found: %s", d.namespace)
	}

	keys, err := s.ListPrefix(d.namespace, "")
	if err != nil {
		return 0, err
	}
	sort.Strings(keys)
	listing := []byte(strings.Join(keys, "\n"))

	if d.position >= len(listing) {
		return 0, nil
	}
	n := copy(buf, listing[d.position:])
	d.position += n
	return n, nil
}

func (v *VFS) observe(op string, err error) {
	if err != nil {
		metrics.VFSOperations.WithLabelValues(op, "error").Inc()
	} else {
		metrics.VFSOperations.WithLabelValues(op, "ok").Inc()
	}
}

// Write extends fd's in-memory buffer with data at the current position.
// Not visible to other descriptors until Close flushes it.
func (v *VFS) Write(fd int, data []byte) (int, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.VFSOperationDuration, "write")

	v.mu.Lock()
	d, ok := v.fds[fd]
	v.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("vfs: fd not found: %d", fd)
	}
	if !d.writable {
		metrics.VFSOperations.WithLabelValues("write", "denied").Inc()
		return 0, fmt.Errorf("vfs: fd %d not open for writing", fd)
	}
	if d.mountIf != nil {
		n, err := d.mountIf.Write(d.path, data)
		v.observe("write", err)
		return n, err
	}
	if d.isDirectory() {
		metrics.VFSOperations.WithLabelValues("write", "error").Inc()
		return 0, fmt.Errorf("vfs: cannot write to directory: %s", d.path)
	}

	end := d.position + len(data)
	if end > len(d.content) {
		grown := make([]byte, end)
		copy(grown, d.content)
		d.content = grown
	}
	copy(d.content[d.position:end], data)
	d.position = end
	d.dirty = true

	metrics.VFSOperations.WithLabelValues("write", "ok").Inc()
	return len(data), nil
}

// SeekFrom names the reference point for Seek.
type SeekFrom int

const (
	SeekStart SeekFrom = iota
	SeekCurrent
	SeekEnd
)

// Seek repositions fd. Negative results clamp to 0.
func (v *VFS) Seek(fd int, from SeekFrom, offset int) (int, error) {
	v.mu.Lock()
	d, ok := v.fds[fd]
	v.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("vfs: fd not found: %d", fd)
	}

	var newPos int
	switch from {
	case SeekStart:
		newPos = offset
	case SeekEnd:
		newPos = len(d.content) + offset
	case SeekCurrent:
		newPos = d.position + offset
	}
	if newPos < 0 {
		newPos = 0
	}
	d.position = newPos
	return newPos, nil
}

// Stat returns metadata for path without opening it.
func (v *VFS) Stat(module, path string) (FileInfo, error) {
	v.mu.Lock()
	_, isMount := v.mounts[path]
	v.mu.Unlock()
	if isMount {
		return FileInfo{Path: path, Type: FileTypeMount}, nil
	}

	namespace, key, err := parsePath(path)
	if err != nil {
		return FileInfo{}, err
	}
	if err := v.caps.CheckAccess(module, namespace, "read"); err != nil {
		return FileInfo{}, err
	}

	if key == "" {
		return FileInfo{Path: path, Type: FileTypeDirectory}, nil
	}

	v.mu.Lock()
	s, ok := v.stores[namespace]
	v.mu.Unlock()
	if !ok {
		return FileInfo{}, fmt.Errorf("vfs: namespace not found: %s", namespace)
	}
	value, err := s.Get(namespace, key)
	if err == store.ErrNotFound {
		return FileInfo{}, fmt.Errorf("vfs: not found: %s", path)
	}
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{Path: path, Type: FileTypeFile, Size: len(value), Modified: time.Now()}, nil
}

// Close releases fd, flushing a writable descriptor's buffer to the
// backing store first. Idempotent: closing an already-closed fd is a
// no-op.
func (v *VFS) Close(fd int) error {
	v.mu.Lock()
	d, ok := v.fds[fd]
	if ok {
		delete(v.fds, fd)
	}
	v.mu.Unlock()
	if !ok {
		return nil
	}
	metrics.VFSOpenDescriptors.Dec()

	if d.mountIf != nil || d.isDirectory() || !d.writable || !d.dirty {
		return nil
	}

	v.mu.Lock()
	s, ok := v.stores[d.namespace]
	v.mu.Unlock()
	if !ok {
		return fmt.Errorf("vfs: namespace not found: %s", d.namespace)
	}
	return s.Set(d.namespace, d.key, d.content)
}

// WithOverlay runs fn with every mounted namespace store temporarily
// wrapped in a store.OverlayStore, then restores the real stores
// regardless of fn's outcome — any writes fn made land only in the
// discarded overlay, never in durable state. Used for exec modes that must
// not cause durable state changes (Check, ReCheck, Simulate, and the
// proposal/vote-extension phases).
func (v *VFS) WithOverlay(fn func() error) error {
	v.mu.Lock()
	originals := make(map[string]store.Store, len(v.stores))
	for ns, s := range v.stores {
		originals[ns] = s
		v.stores[ns] = store.NewOverlay(s)
	}
	v.mu.Unlock()

	err := fn()

	v.mu.Lock()
	for ns, orig := range originals {
		v.stores[ns] = orig
	}
	v.mu.Unlock()

	return err
}

// StateHash computes a deterministic SHA-256 digest over every mounted
// namespace's full key/value contents, in sorted namespace then key order.
// The host adapter returns it as the app hash at commit time. Length
// prefixes keep the encoding injective.
func (v *VFS) StateHash() ([]byte, error) {
	v.mu.Lock()
	namespaces := make([]string, 0, len(v.stores))
	stores := make(map[string]store.Store, len(v.stores))
	for ns, s := range v.stores {
		namespaces = append(namespaces, ns)
		stores[ns] = s
	}
	v.mu.Unlock()
	sort.Strings(namespaces)

	h := sha256.New()
	var lenBuf [8]byte
	writeChunk := func(b []byte) {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(b)))
		h.Write(lenBuf[:])
		h.Write(b)
	}

	for _, ns := range namespaces {
		s := stores[ns]
		keys, err := s.ListPrefix(ns, "")
		if err != nil {
			return nil, fmt.Errorf("vfs: hash namespace %s: %w", ns, err)
		}
		sort.Strings(keys)
		writeChunk([]byte(ns))
		for _, k := range keys {
			value, err := s.Get(ns, k)
			if err != nil {
				if err == store.ErrNotFound {
					continue
				}
				return nil, fmt.Errorf("vfs: hash key %s/%s: %w", ns, k, err)
			}
			writeChunk([]byte(k))
			writeChunk(value)
		}
	}
	return h.Sum(nil), nil
}

// Namespaces returns the mounted namespace names, sorted.
func (v *VFS) Namespaces() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, 0, len(v.stores))
	for ns := range v.stores {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Unlink removes path's backing key. Directories may not be unlinked.
func (v *VFS) Unlink(module, path string) error {
	namespace, key, err := parsePath(path)
	if err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("vfs: cannot unlink a directory: %s", path)
	}
	if err := v.caps.CheckAccess(module, namespace, "write"); err != nil {
		return err
	}

	v.mu.Lock()
	s, ok := v.stores[namespace]
	v.mu.Unlock()
	if !ok {
		return fmt.Errorf("vfs: namespace not found: %s", namespace)
	}
	return s.Delete(namespace, key)
}
