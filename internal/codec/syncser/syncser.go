// Package syncser is the type-directed binary codec for command arguments.
//
// Every type that can cross the wire has a write/read pair: primitives,
// slices, arrays, maps, pointers and plain structs are handled by kind;
// anything else (live objects, domain references) needs a registered hook.
// Live objects are never encoded directly. They are flattened into plain data
// carriers with RegisterCarrier, or referenced by stable key with RegisterRef,
// and reconstructed on the receiving side.
package syncser

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"lockstep.ai/internal/codec/binio"
	"lockstep.ai/internal/protocol"
)

const maxDepth = 64

type writeFunc func(r *Registry, w *binio.Writer, v reflect.Value, depth int) error
type readFunc func(r *Registry, rd *binio.Reader, t reflect.Type, depth int) (reflect.Value, error)

type codec struct {
	name  string
	write writeFunc
	read  readFunc
}

// Registry holds the per-type hooks. Hooks are registered at startup, before
// the first frame is encoded; lookups afterwards only take the read lock.
type Registry struct {
	mu     sync.RWMutex
	codecs map[reflect.Type]codec
}

func New() *Registry {
	return &Registry{codecs: make(map[reflect.Type]codec)}
}

func (r *Registry) set(t reflect.Type, c codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[t] = c
}

func (r *Registry) lookup(t reflect.Type) (codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[t]
	return c, ok
}

// Registered reports whether t has an explicit hook.
func (r *Registry) Registered(t reflect.Type) bool {
	_, ok := r.lookup(t)
	return ok
}

// RegisterHook installs a custom write/read pair for T, replacing the kind
// based codec.
func RegisterHook[T any](r *Registry, write func(*binio.Writer, T) error, read func(*binio.Reader) (T, error)) {
	t := reflect.TypeFor[T]()
	r.set(t, codec{
		name: "hook",
		write: func(_ *Registry, w *binio.Writer, v reflect.Value, _ int) error {
			return write(w, v.Interface().(T))
		},
		read: func(_ *Registry, rd *binio.Reader, _ reflect.Type, _ int) (reflect.Value, error) {
			x, err := read(rd)
			if err != nil {
				return reflect.Value{}, err
			}
			return reflect.ValueOf(&x).Elem(), nil
		},
	})
}

// RegisterCarrier encodes Live through a plain data carrier. toData copies
// the replay-relevant fields out of the live value; fromData rebuilds an
// equivalent value on the receiver, re-resolving identifiers as needed.
func RegisterCarrier[Live, Data any](r *Registry, toData func(Live) Data, fromData func(Data) (Live, error)) {
	lt := reflect.TypeFor[Live]()
	dt := reflect.TypeFor[Data]()
	if lt == dt {
		panic(fmt.Sprintf("syncser: carrier for %s must be a distinct type", lt))
	}
	r.set(lt, codec{
		name: "carrier",
		write: func(reg *Registry, w *binio.Writer, v reflect.Value, depth int) error {
			d := toData(v.Interface().(Live))
			return reg.encode(w, reflect.ValueOf(&d).Elem(), depth+1)
		},
		read: func(reg *Registry, rd *binio.Reader, _ reflect.Type, depth int) (reflect.Value, error) {
			dv, err := reg.decode(rd, dt, depth+1)
			if err != nil {
				return reflect.Value{}, err
			}
			live, err := fromData(dv.Interface().(Data))
			if err != nil {
				return reflect.Value{}, err
			}
			return reflect.ValueOf(&live).Elem(), nil
		},
	})
}

// NilKey is the wire key of an absent reference.
const NilKey int32 = -1

// RegisterRef encodes T as a stable int32 key. key returns false for absent
// references; resolve is called with every non-nil key on decode.
func RegisterRef[T any](r *Registry, key func(T) (int32, bool), resolve func(int32) (T, error)) {
	t := reflect.TypeFor[T]()
	r.set(t, codec{
		name: "ref",
		write: func(_ *Registry, w *binio.Writer, v reflect.Value, _ int) error {
			k, ok := key(v.Interface().(T))
			if !ok {
				k = NilKey
			} else if k < 0 {
				return fmt.Errorf("reference key %d is negative", k)
			}
			w.WriteInt32(k)
			return nil
		},
		read: func(_ *Registry, rd *binio.Reader, _ reflect.Type, _ int) (reflect.Value, error) {
			k, err := rd.ReadInt32()
			if err != nil {
				return reflect.Value{}, err
			}
			if k == NilKey {
				return reflect.Zero(t), nil
			}
			if k < 0 {
				return reflect.Value{}, fmt.Errorf("reference key %d is negative", k)
			}
			x, err := resolve(k)
			if err != nil {
				return reflect.Value{}, fmt.Errorf("resolve key %d: %w", k, err)
			}
			return reflect.ValueOf(&x).Elem(), nil
		},
	})
}

// Write encodes v as type T.
func Write[T any](r *Registry, w *binio.Writer, v T) error {
	return r.EncodeValue(w, reflect.ValueOf(&v).Elem())
}

// Read decodes one T.
func Read[T any](r *Registry, rd *binio.Reader) (T, error) {
	var zero T
	v, err := r.Decode(rd, reflect.TypeFor[T]())
	if err != nil {
		return zero, err
	}
	return v.Interface().(T), nil
}

// EncodeValue writes v using its static type.
func (r *Registry) EncodeValue(w *binio.Writer, v reflect.Value) error {
	if !v.IsValid() {
		return protocol.Serializationf(nil, "encode invalid value")
	}
	mark := w.Len()
	if err := r.encode(w, v, 0); err != nil {
		w.Truncate(mark)
		return protocol.Serializationf(err, "encode %s", v.Type())
	}
	return nil
}

// Decode reads one value of type t.
func (r *Registry) Decode(rd *binio.Reader, t reflect.Type) (reflect.Value, error) {
	v, err := r.decode(rd, t, 0)
	if err != nil {
		return reflect.Value{}, protocol.Serializationf(err, "decode %s at offset %d", t, rd.Offset())
	}
	return v, nil
}

// Marshal encodes vals back to back using their dynamic types.
func (r *Registry) Marshal(vals ...any) ([]byte, error) {
	w := binio.NewWriter(64)
	for i, v := range vals {
		if v == nil {
			return nil, protocol.Serializationf(nil, "argument %d is an untyped nil", i)
		}
		if err := r.EncodeValue(w, reflect.ValueOf(v)); err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
	}
	return w.Bytes(), nil
}

// Unmarshal decodes len(types) values and requires the input to be fully consumed.
func (r *Registry) Unmarshal(b []byte, types ...reflect.Type) ([]any, error) {
	rd := binio.NewReader(b)
	out := make([]any, len(types))
	for i, t := range types {
		v, err := r.Decode(rd, t)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = v.Interface()
	}
	if rd.Remaining() != 0 {
		return nil, protocol.Serializationf(nil, "%d trailing bytes after %d arguments", rd.Remaining(), len(types))
	}
	return out, nil
}

func (r *Registry) encode(w *binio.Writer, v reflect.Value, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("nesting deeper than %d (cyclic value?)", maxDepth)
	}
	t := v.Type()
	if c, ok := r.lookup(t); ok {
		return c.write(r, w, v, depth)
	}
	switch t.Kind() {
	case reflect.Bool:
		w.WriteBool(v.Bool())
	case reflect.Int8:
		w.WriteInt8(int8(v.Int()))
	case reflect.Int16:
		w.WriteInt16(int16(v.Int()))
	case reflect.Int32:
		w.WriteInt32(int32(v.Int()))
	case reflect.Int, reflect.Int64:
		w.WriteInt64(v.Int())
	case reflect.Uint8:
		w.WriteUint8(uint8(v.Uint()))
	case reflect.Uint16:
		w.WriteUint16(uint16(v.Uint()))
	case reflect.Uint32:
		w.WriteUint32(uint32(v.Uint()))
	case reflect.Uint, reflect.Uint64:
		w.WriteUint64(v.Uint())
	case reflect.Float32:
		w.WriteFloat32(float32(v.Float()))
	case reflect.Float64:
		w.WriteFloat64(v.Float())
	case reflect.String:
		w.WriteString(v.String())
	case reflect.Slice:
		if v.IsNil() {
			w.WriteInt32(-1)
			return nil
		}
		if t.Elem().Kind() == reflect.Uint8 && t.Elem().PkgPath() == "" {
			w.WritePrefixed(v.Bytes())
			return nil
		}
		w.WriteInt32(int32(v.Len()))
		for i := 0; i < v.Len(); i++ {
			if err := r.encode(w, v.Index(i), depth+1); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := r.encode(w, v.Index(i), depth+1); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
	case reflect.Map:
		return r.encodeMap(w, v, depth)
	case reflect.Pointer:
		if v.IsNil() {
			w.WriteBool(false)
			return nil
		}
		w.WriteBool(true)
		return r.encode(w, v.Elem(), depth+1)
	case reflect.Struct:
		for _, f := range syncFields(t) {
			if err := r.encode(w, v.Field(f.index), depth+1); err != nil {
				return fmt.Errorf(".%s: %w", f.name, err)
			}
		}
	default:
		return fmt.Errorf("no codec for %s (kind %s); register a hook or carrier", t, t.Kind())
	}
	return nil
}

// encodeMap sorts entries by their encoded key so every process emits the
// same bytes regardless of map iteration order.
func (r *Registry) encodeMap(w *binio.Writer, v reflect.Value, depth int) error {
	if v.IsNil() {
		w.WriteInt32(-1)
		return nil
	}
	type entry struct {
		key []byte
		val reflect.Value
	}
	entries := make([]entry, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		kw := binio.NewWriter(16)
		if err := r.encode(kw, iter.Key(), depth+1); err != nil {
			return fmt.Errorf("map key: %w", err)
		}
		entries = append(entries, entry{key: kw.Bytes(), val: iter.Value()})
	}
	sort.Slice(entries, func(i, j int) bool { return bytes.Compare(entries[i].key, entries[j].key) < 0 })
	w.WriteInt32(int32(len(entries)))
	for _, e := range entries {
		w.Write(e.key)
		if err := r.encode(w, e.val, depth+1); err != nil {
			return fmt.Errorf("map value: %w", err)
		}
	}
	return nil
}

func (r *Registry) decode(rd *binio.Reader, t reflect.Type, depth int) (reflect.Value, error) {
	if depth > maxDepth {
		return reflect.Value{}, fmt.Errorf("nesting deeper than %d", maxDepth)
	}
	if c, ok := r.lookup(t); ok {
		v, err := c.read(r, rd, t, depth)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("%s %s: %w", c.name, t, err)
		}
		return v, nil
	}
	out := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.Bool:
		b, err := rd.ReadBool()
		if err != nil {
			return out, err
		}
		out.SetBool(b)
	case reflect.Int8:
		x, err := rd.ReadInt8()
		if err != nil {
			return out, err
		}
		out.SetInt(int64(x))
	case reflect.Int16:
		x, err := rd.ReadInt16()
		if err != nil {
			return out, err
		}
		out.SetInt(int64(x))
	case reflect.Int32:
		x, err := rd.ReadInt32()
		if err != nil {
			return out, err
		}
		out.SetInt(int64(x))
	case reflect.Int, reflect.Int64:
		x, err := rd.ReadInt64()
		if err != nil {
			return out, err
		}
		if out.OverflowInt(x) {
			return out, fmt.Errorf("value %d overflows %s", x, t)
		}
		out.SetInt(x)
	case reflect.Uint8:
		x, err := rd.ReadUint8()
		if err != nil {
			return out, err
		}
		out.SetUint(uint64(x))
	case reflect.Uint16:
		x, err := rd.ReadUint16()
		if err != nil {
			return out, err
		}
		out.SetUint(uint64(x))
	case reflect.Uint32:
		x, err := rd.ReadUint32()
		if err != nil {
			return out, err
		}
		out.SetUint(uint64(x))
	case reflect.Uint, reflect.Uint64:
		x, err := rd.ReadUint64()
		if err != nil {
			return out, err
		}
		if out.OverflowUint(x) {
			return out, fmt.Errorf("value %d overflows %s", x, t)
		}
		out.SetUint(x)
	case reflect.Float32:
		x, err := rd.ReadFloat32()
		if err != nil {
			return out, err
		}
		out.SetFloat(float64(x))
	case reflect.Float64:
		x, err := rd.ReadFloat64()
		if err != nil {
			return out, err
		}
		out.SetFloat(x)
	case reflect.String:
		s, err := rd.ReadString()
		if err != nil {
			return out, err
		}
		out.SetString(s)
	case reflect.Slice:
		return r.decodeSlice(rd, t, out, depth)
	case reflect.Array:
		for i := 0; i < t.Len(); i++ {
			ev, err := r.decode(rd, t.Elem(), depth+1)
			if err != nil {
				return out, fmt.Errorf("[%d]: %w", i, err)
			}
			out.Index(i).Set(ev)
		}
	case reflect.Map:
		return r.decodeMap(rd, t, out, depth)
	case reflect.Pointer:
		present, err := rd.ReadBool()
		if err != nil {
			return out, err
		}
		if !present {
			return out, nil
		}
		ev, err := r.decode(rd, t.Elem(), depth+1)
		if err != nil {
			return out, err
		}
		p := reflect.New(t.Elem())
		p.Elem().Set(ev)
		out.Set(p)
	case reflect.Struct:
		for _, f := range syncFields(t) {
			fv, err := r.decode(rd, t.Field(f.index).Type, depth+1)
			if err != nil {
				return out, fmt.Errorf(".%s: %w", f.name, err)
			}
			out.Field(f.index).Set(fv)
		}
	default:
		return out, fmt.Errorf("no codec for %s (kind %s); register a hook or carrier", t, t.Kind())
	}
	return out, nil
}

func (r *Registry) decodeSlice(rd *binio.Reader, t reflect.Type, out reflect.Value, depth int) (reflect.Value, error) {
	if t.Elem().Kind() == reflect.Uint8 && t.Elem().PkgPath() == "" {
		n, err := rd.ReadInt32()
		if err != nil {
			return out, err
		}
		if n == -1 {
			return out, nil
		}
		if n < 0 {
			return out, fmt.Errorf("bad byte slice length %d", n)
		}
		b, err := rd.ReadBytes(int(n))
		if err != nil {
			return out, err
		}
		out.SetBytes(b)
		return out, nil
	}
	n, err := rd.ReadInt32()
	if err != nil {
		return out, err
	}
	if n == -1 {
		return out, nil
	}
	// Every element takes at least one byte except zero-size ones, which
	// still must not allocate without bound.
	if n < 0 || int(n) > binio.MaxLen || (t.Elem().Size() > 0 && int(n) > rd.Remaining()) {
		return out, fmt.Errorf("bad slice length %d", n)
	}
	s := reflect.MakeSlice(t, int(n), int(n))
	for i := 0; i < int(n); i++ {
		ev, err := r.decode(rd, t.Elem(), depth+1)
		if err != nil {
			return out, fmt.Errorf("[%d]: %w", i, err)
		}
		s.Index(i).Set(ev)
	}
	out.Set(s)
	return out, nil
}

func (r *Registry) decodeMap(rd *binio.Reader, t reflect.Type, out reflect.Value, depth int) (reflect.Value, error) {
	n, err := rd.ReadInt32()
	if err != nil {
		return out, err
	}
	if n == -1 {
		return out, nil
	}
	if n < 0 || int(n) > rd.Remaining() {
		return out, fmt.Errorf("bad map length %d", n)
	}
	m := reflect.MakeMapWithSize(t, int(n))
	for i := 0; i < int(n); i++ {
		kv, err := r.decode(rd, t.Key(), depth+1)
		if err != nil {
			return out, fmt.Errorf("map key %d: %w", i, err)
		}
		vv, err := r.decode(rd, t.Elem(), depth+1)
		if err != nil {
			return out, fmt.Errorf("map value %d: %w", i, err)
		}
		m.SetMapIndex(kv, vv)
	}
	out.Set(m)
	return out, nil
}

type fieldInfo struct {
	index int
	name  string
}

var fieldCache sync.Map // reflect.Type -> []fieldInfo

// syncFields lists exported fields in declaration order, skipping those
// tagged `sync:"-"`.
func syncFields(t reflect.Type) []fieldInfo {
	if cached, ok := fieldCache.Load(t); ok {
		return cached.([]fieldInfo)
	}
	fields := make([]fieldInfo, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() || f.Tag.Get("sync") == "-" {
			continue
		}
		fields = append(fields, fieldInfo{index: i, name: f.Name})
	}
	fieldCache.Store(t, fields)
	return fields
}
