// Package syncproc is the registration contract for domain logic that must
// run identically on every participant. A handler is registered once at
// startup; its id is its registration index, so every process must register
// the same handlers in the same order. The handshake compares Digest values
// to catch drift.
package syncproc

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"lockstep.ai/internal/codec/binio"
	"lockstep.ai/internal/codec/syncser"
	"lockstep.ai/internal/protocol"
	"lockstep.ai/internal/sim/command"
	"lockstep.ai/internal/sim/desync"
	"lockstep.ai/internal/sim/rng"
)

var (
	ErrUnknownSync = errors.New("unknown sync handler")
	ErrSealed      = errors.New("sync registry is sealed")
)

// Invocation is what a handler receives. Ambient reflects the sender's
// captured context for the declared flags and the receiver's own state for
// everything else.
type Invocation struct {
	Command command.Command
	// Tick is the owning tickable's virtual tick; derive RNG seeds from it.
	Tick    int64
	Ambient *Ambient
	RNG     *rng.Stack
	Desync  *desync.Detector
	// Env is the embedding domain's state.
	Env any
}

type Handler struct {
	ID         int32
	Name       string
	ArgTypes   []reflect.Type
	Flags      Flag
	Permission command.Permission

	reg *Registry
	fn  reflect.Value
}

type Registry struct {
	codec *syncser.Registry

	mu       sync.RWMutex
	handlers []*Handler
	byName   map[string]*Handler
	sealed   bool
}

// New uses codec for handler arguments; nil means a fresh syncser registry.
func New(codec *syncser.Registry) *Registry {
	if codec == nil {
		codec = syncser.New()
	}
	return &Registry{codec: codec, byName: make(map[string]*Handler)}
}

func (r *Registry) Codec() *syncser.Registry { return r.codec }

var (
	invocationType = reflect.TypeFor[*Invocation]()
	errorType      = reflect.TypeFor[error]()
)

// Register adds fn, which must have the shape
// func(*Invocation, A, B, ...) error, where every argument type is
// encodable by the registry's codec.
func Register(r *Registry, name string, fn any, flags Flag, perm command.Permission) (*Handler, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return nil, fmt.Errorf("sync %q: handler must be a non-nil func, got %T", name, fn)
	}
	t := v.Type()
	if t.NumIn() == 0 || t.In(0) != invocationType {
		return nil, fmt.Errorf("sync %q: first parameter must be *syncproc.Invocation", name)
	}
	if t.NumOut() != 1 || t.Out(0) != errorType {
		return nil, fmt.Errorf("sync %q: handler must return exactly one error", name)
	}
	if t.IsVariadic() {
		return nil, fmt.Errorf("sync %q: variadic handlers are not supported", name)
	}
	if perm == command.SystemOnly {
		return nil, fmt.Errorf("sync %q: system_only is reserved for authority commands", name)
	}
	args := make([]reflect.Type, t.NumIn()-1)
	for i := range args {
		args[i] = t.In(i + 1)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return nil, fmt.Errorf("sync %q: %w", name, ErrSealed)
	}
	if _, dup := r.byName[name]; dup {
		return nil, fmt.Errorf("sync %q registered twice", name)
	}
	h := &Handler{
		ID:         int32(len(r.handlers)),
		Name:       name,
		ArgTypes:   args,
		Flags:      flags,
		Permission: perm,
		reg:        r,
		fn:         v,
	}
	r.handlers = append(r.handlers, h)
	r.byName[name] = h
	return h, nil
}

// MustRegister is Register for startup code where a bad handler is a bug.
func MustRegister(r *Registry, name string, fn any, flags Flag, perm command.Permission) *Handler {
	h, err := Register(r, name, fn, flags, perm)
	if err != nil {
		panic(err)
	}
	return h
}

// Seal forbids further registration and returns the handler-table digest.
func (r *Registry) Seal() string {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
	return r.Digest()
}

// Digest hashes the ordered handler table. Two processes with equal digests
// assign the same ids to the same handlers.
func (r *Registry) Digest() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h := sha256.New()
	for _, hd := range r.handlers {
		fmt.Fprintf(h, "%d|%s|%d|%s|", hd.ID, hd.Name, hd.Flags, hd.Permission)
		for _, t := range hd.ArgTypes {
			fmt.Fprintf(h, "%s,", t)
		}
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

func (r *Registry) Lookup(id int32) (*Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id < 0 || int(id) >= len(r.handlers) {
		return nil, false
	}
	return r.handlers[id], true
}

func (r *Registry) ByName(name string) (*Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byName[name]
	return h, ok
}

// SyncPermission is the per-handler permission the authority checks for
// sync and debug commands.
func (r *Registry) SyncPermission(payload []byte) (command.Permission, error) {
	id, err := PeekID(payload)
	if err != nil {
		return 0, err
	}
	h, ok := r.Lookup(id)
	if !ok {
		return 0, protocol.Protocolf(ErrUnknownSync, "sync id %d", id)
	}
	return h.Permission, nil
}

// PeekID reads the sync id at the front of a payload.
func PeekID(payload []byte) (int32, error) {
	id, err := binio.NewReader(payload).ReadInt32()
	if err != nil {
		return 0, protocol.Protocolf(err, "sync payload header")
	}
	return id, nil
}

// Draft builds the submission for a call made while the sender's ambient
// state is amb. Debug-only handlers travel as debug commands.
func (h *Handler) Draft(amb Ambient, mapID, factionID int32, args ...any) (command.Draft, error) {
	if len(args) != len(h.ArgTypes) {
		return command.Draft{}, fmt.Errorf("sync %q: got %d arguments, want %d", h.Name, len(args), len(h.ArgTypes))
	}
	w := binio.NewWriter(32)
	w.WriteInt32(h.ID)
	amb.write(w, h.Flags)
	for i, a := range args {
		v, err := argValue(a, h.ArgTypes[i])
		if err != nil {
			return command.Draft{}, fmt.Errorf("sync %q argument %d: %w", h.Name, i, err)
		}
		if err := h.reg.codec.EncodeValue(w, v); err != nil {
			return command.Draft{}, fmt.Errorf("sync %q argument %d: %w", h.Name, i, err)
		}
	}
	typ := command.TypeSync
	if h.Permission == command.DebugOnly {
		typ = command.TypeDebug
	}
	return command.Draft{Type: typ, FactionID: factionID, MapID: mapID, Payload: w.Bytes()}, nil
}

func argValue(a any, t reflect.Type) (reflect.Value, error) {
	if a == nil {
		switch t.Kind() {
		case reflect.Pointer, reflect.Slice, reflect.Map, reflect.Interface:
			return reflect.Zero(t), nil
		}
		return reflect.Value{}, fmt.Errorf("nil for non-nillable %s", t)
	}
	v := reflect.ValueOf(a)
	if v.Type() == t {
		return v, nil
	}
	if v.Type().ConvertibleTo(t) && v.Kind() == t.Kind() {
		return v.Convert(t), nil
	}
	return reflect.Value{}, fmt.Errorf("have %s, want %s", v.Type(), t)
}

// Dispatch decodes inv.Command's payload and runs the handler exactly once
// with the declared context applied to inv.Ambient, restoring the
// receiver's own state afterwards on every exit path. Handler panics
// propagate to the caller.
func (r *Registry) Dispatch(inv *Invocation) error {
	rd := binio.NewReader(inv.Command.Payload)
	id, err := rd.ReadInt32()
	if err != nil {
		return protocol.Protocolf(err, "sync payload header")
	}
	h, ok := r.Lookup(id)
	if !ok {
		return protocol.Protocolf(ErrUnknownSync, "sync id %d", id)
	}
	captured, err := readAmbient(rd, h.Flags)
	if err != nil {
		return protocol.Serializationf(err, "sync %q context", h.Name)
	}
	in := make([]reflect.Value, 0, len(h.ArgTypes)+1)
	in = append(in, reflect.ValueOf(inv))
	for i, t := range h.ArgTypes {
		v, err := r.codec.Decode(rd, t)
		if err != nil {
			return fmt.Errorf("sync %q argument %d: %w", h.Name, i, err)
		}
		in = append(in, v)
	}
	if rd.Remaining() != 0 {
		return protocol.Serializationf(nil, "sync %q: %d trailing bytes", h.Name, rd.Remaining())
	}

	if inv.Ambient == nil {
		inv.Ambient = &Ambient{CurrentMap: command.GlobalMap}
	}
	restore := inv.Ambient.apply(h.Flags, captured)
	defer restore()

	out := h.fn.Call(in)
	if errv := out[0]; !errv.IsNil() {
		return errv.Interface().(error)
	}
	return nil
}
