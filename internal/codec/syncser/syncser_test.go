package syncser

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockstep.ai/internal/codec/binio"
	"lockstep.ai/internal/protocol"
)

type cell struct {
	X, Z int32
}

type designation struct {
	Kind     uint8
	Cells    []cell
	Priority int
	Label    string
	Weights  map[string]float64
	Anchor   *cell
	Corners  [2]cell
	// Hover state is local UI and never replicated.
	Hovered bool `sync:"-"`
	scratch int
}

func TestStructRoundTrip(t *testing.T) {
	r := New()
	in := designation{
		Kind:     3,
		Cells:    []cell{{1, 2}, {-3, 4}},
		Priority: -7,
		Label:    "mine",
		Weights:  map[string]float64{"b": 2, "a": 1},
		Anchor:   &cell{9, 9},
		Corners:  [2]cell{{0, 0}, {5, 5}},
		Hovered:  true,
		scratch:  11,
	}
	w := binio.NewWriter(0)
	require.NoError(t, Write(r, w, in))

	out, err := Read[designation](r, binio.NewReader(w.Bytes()))
	require.NoError(t, err)

	assert.Equal(t, in.Kind, out.Kind)
	assert.Equal(t, in.Cells, out.Cells)
	assert.Equal(t, in.Priority, out.Priority)
	assert.Equal(t, in.Label, out.Label)
	assert.Equal(t, in.Weights, out.Weights)
	assert.Equal(t, *in.Anchor, *out.Anchor)
	assert.Equal(t, in.Corners, out.Corners)
	assert.False(t, out.Hovered, "incidental fields do not round trip")
	assert.Zero(t, out.scratch)
}

func TestMapEncodingIsOrderIndependent(t *testing.T) {
	r := New()
	a := map[int32]string{}
	b := map[int32]string{}
	for i := int32(0); i < 50; i++ {
		a[i] = fmt.Sprint(i)
	}
	for i := int32(49); i >= 0; i-- {
		b[i] = fmt.Sprint(i)
	}
	ba, err := r.Marshal(a)
	require.NoError(t, err)
	bb, err := r.Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, ba, bb)
}

func TestNilAndEmptyStayDistinct(t *testing.T) {
	type holder struct {
		Nil   []int32
		Empty []int32
		Bytes []byte
		NoMap map[string]int32
		Ptr   *int32
	}
	r := New()
	in := holder{Empty: []int32{}, Bytes: []byte{}}
	b, err := r.Marshal(in)
	require.NoError(t, err)
	vals, err := r.Unmarshal(b, reflect.TypeFor[holder]())
	require.NoError(t, err)
	out := vals[0].(holder)
	assert.Nil(t, out.Nil)
	assert.NotNil(t, out.Empty)
	assert.NotNil(t, out.Bytes)
	assert.Nil(t, out.NoMap)
	assert.Nil(t, out.Ptr)
}

func TestMarshalUnmarshalArgumentList(t *testing.T) {
	r := New()
	b, err := r.Marshal(int32(5), "x", true, 2.5)
	require.NoError(t, err)
	vals, err := r.Unmarshal(b, reflect.TypeFor[int32](), reflect.TypeFor[string](), reflect.TypeFor[bool](), reflect.TypeFor[float64]())
	require.NoError(t, err)
	assert.Equal(t, []any{int32(5), "x", true, 2.5}, vals)

	_, err = r.Unmarshal(b, reflect.TypeFor[int32]())
	assert.True(t, protocol.IsSerialization(err), "trailing bytes: %v", err)
}

func TestHookOverridesKindCodec(t *testing.T) {
	type color uint32
	r := New()
	RegisterHook(r,
		func(w *binio.Writer, c color) error {
			w.WriteString(fmt.Sprintf("#%06x", uint32(c)))
			return nil
		},
		func(rd *binio.Reader) (color, error) {
			s, err := rd.ReadString()
			if err != nil {
				return 0, err
			}
			var v uint32
			_, err = fmt.Sscanf(s, "#%06x", &v)
			return color(v), err
		})
	b, err := r.Marshal(color(0xff8800))
	require.NoError(t, err)
	s, err := binio.NewReader(b).ReadString()
	require.NoError(t, err)
	assert.Equal(t, "#ff8800", s)

	vals, err := r.Unmarshal(b, reflect.TypeFor[color]())
	require.NoError(t, err)
	assert.Equal(t, color(0xff8800), vals[0])
}

// A decision tree is live, per-process state: nodes are linked by pointer
// and carry transient evaluation data. Only the save key crosses the wire.
type decisionNode struct {
	SaveKey  string
	Parent   *decisionNode
	Children []*decisionNode
	lastEval int
}

type decisionTree struct {
	nodes map[string]*decisionNode
}

func newTree() *decisionTree {
	root := &decisionNode{SaveKey: "root"}
	flee := &decisionNode{SaveKey: "root/flee", Parent: root, lastEval: 99}
	work := &decisionNode{SaveKey: "root/work", Parent: root}
	root.Children = []*decisionNode{flee, work}
	return &decisionTree{nodes: map[string]*decisionNode{"root": root, "root/flee": flee, "root/work": work}}
}

type nodeData struct {
	SaveKey string
}

type jobData struct {
	Def    string
	Node   *decisionNode
	Count  int32
	Queued bool
}

func TestCarrierRelinksBySaveKey(t *testing.T) {
	sender := newTree()
	receiver := newTree()

	mk := func(tree *decisionTree) *Registry {
		r := New()
		RegisterCarrier(r,
			func(n *decisionNode) nodeData {
				if n == nil {
					return nodeData{}
				}
				return nodeData{SaveKey: n.SaveKey}
			},
			func(d nodeData) (*decisionNode, error) {
				if d.SaveKey == "" {
					return nil, nil
				}
				n, ok := tree.nodes[d.SaveKey]
				if !ok {
					return nil, fmt.Errorf("no node %q", d.SaveKey)
				}
				return n, nil
			})
		return r
	}

	in := jobData{Def: "Flee", Node: sender.nodes["root/flee"], Count: 2, Queued: true}
	b, err := mk(sender).Marshal(in)
	require.NoError(t, err)

	vals, err := mk(receiver).Unmarshal(b, reflect.TypeFor[jobData]())
	require.NoError(t, err)
	out := vals[0].(jobData)
	assert.Equal(t, in.Def, out.Def)
	assert.Equal(t, in.Count, out.Count)
	assert.Same(t, receiver.nodes["root/flee"], out.Node, "re-linked into the receiver's own tree")
	assert.NotSame(t, sender.nodes["root/flee"], out.Node)

	_, err = mk(&decisionTree{nodes: map[string]*decisionNode{}}).Unmarshal(b, reflect.TypeFor[jobData]())
	assert.True(t, protocol.IsSerialization(err))
}

type pawn struct {
	id int32
}

func TestRefResolvesStableKeys(t *testing.T) {
	world := map[int32]*pawn{7: {id: 7}}
	r := New()
	RegisterRef(r,
		func(p *pawn) (int32, bool) {
			if p == nil {
				return 0, false
			}
			return p.id, true
		},
		func(k int32) (*pawn, error) {
			p, ok := world[k]
			if !ok {
				return nil, errors.New("pawn despawned")
			}
			return p, nil
		})

	type order struct {
		Who    *pawn
		Target *pawn
	}
	b, err := r.Marshal(order{Who: world[7]})
	require.NoError(t, err)
	vals, err := r.Unmarshal(b, reflect.TypeFor[order]())
	require.NoError(t, err)
	got := vals[0].(order)
	assert.Same(t, world[7], got.Who)
	assert.Nil(t, got.Target)

	delete(world, 7)
	_, err = r.Unmarshal(b, reflect.TypeFor[order]())
	assert.True(t, protocol.IsSerialization(err))
}

func TestUnsupportedKindsFailLoudly(t *testing.T) {
	r := New()
	type bad struct {
		Fn func()
	}
	w := binio.NewWriter(0)
	err := Write(r, w, bad{})
	assert.True(t, protocol.IsSerialization(err))
	assert.Zero(t, w.Len(), "failed encode leaves no partial bytes")

	_, err = r.Marshal(nil)
	assert.True(t, protocol.IsSerialization(err))
}

func TestTruncatedInputIsSerializationError(t *testing.T) {
	r := New()
	b, err := r.Marshal(designation{Label: "long label", Cells: []cell{{1, 1}}})
	require.NoError(t, err)
	for cut := 0; cut < len(b); cut++ {
		_, err := r.Unmarshal(b[:cut], reflect.TypeFor[designation]())
		require.Error(t, err, "cut=%d", cut)
		assert.True(t, protocol.IsSerialization(err), "cut=%d err=%v", cut, err)
	}
}

func TestHostileLengthsDoNotAllocate(t *testing.T) {
	r := New()
	w := binio.NewWriter(0)
	w.WriteInt32(1 << 30)
	_, err := r.Unmarshal(w.Bytes(), reflect.TypeFor[[]int64]())
	assert.True(t, protocol.IsSerialization(err))
	_, err = r.Unmarshal(w.Bytes(), reflect.TypeFor[map[int32]int32]())
	assert.True(t, protocol.IsSerialization(err))
}
