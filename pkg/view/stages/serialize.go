package stages

import (
	"bytes"
	"sync"
	"unsafe"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Keys of a serialized stage.
const (
	KeyClass  = "_cls"
	KeyKwargs = "kwargs"
	KeyUUID   = "_uuid"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Ordered documents encode as JSON objects in key order.
func init() {
	jsoniter.RegisterTypeEncoderFunc("primitive.D", encodeDoc, func(ptr unsafe.Pointer) bool {
		return len(*(*primitive.D)(ptr)) == 0
	})
}

func encodeDoc(ptr unsafe.Pointer, stream *jsoniter.Stream) {
	d := *(*primitive.D)(ptr)
	stream.WriteObjectStart()
	for i, e := range d {
		if i > 0 {
			stream.WriteMore()
		}
		stream.WriteObjectField(e.Key)
		stream.WriteVal(e.Value)
	}
	stream.WriteObjectEnd()
}

// Serialized is the transport form of a stage.
type Serialized struct {
	Class  string          `json:"_cls"`
	Kwargs [][]interface{} `json:"kwargs"`
	UUID   string          `json:"_uuid,omitempty"`
}

// Serialize returns the transport form of s. uuid is omitted when empty.
func Serialize(s Stage, uuid string) Serialized {
	kwargs := s.Kwargs()
	out := Serialized{Class: s.Name(), Kwargs: make([][]interface{}, 0, len(kwargs)), UUID: uuid}
	for _, kw := range kwargs {
		out.Kwargs = append(out.Kwargs, []interface{}{kw.Name, kw.Value})
	}
	return out
}

// FromDict builds a stage from its transport form.
func FromDict(d Serialized) (Stage, error) {
	config := make(map[string]interface{}, len(d.Kwargs))
	for _, kw := range d.Kwargs {
		if len(kw) != 2 {
			return nil, errors.Errorf("malformed kwarg %v of %s stage", kw, d.Class)
		}
		name, ok := kw[0].(string)
		if !ok {
			return nil, errors.Errorf("malformed kwarg name %v of %s stage", kw[0], d.Class)
		}
		config[name] = kw[1]
	}
	return New(d.Class, config)
}

// Marshal encodes a stage as JSON.
func Marshal(s Stage, uuid string) ([]byte, error) {
	return json.Marshal(Serialize(s, uuid))
}

// Unmarshal decodes a stage encoded by Marshal, returning its UUID if any.
func Unmarshal(data []byte) (Stage, string, error) {
	var d Serialized
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, "", errors.Wrap(err, "decoding stage")
	}
	s, err := FromDict(d)
	return s, d.UUID, err
}

// MarshalStages encodes a stage list without UUIDs. Equal lists encode
// identically.
func MarshalStages(stages []Stage, withUUIDs bool) ([]byte, error) {
	c := NewChain(stages...)
	return c.Marshal(withUUIDs)
}

// canonicalKwargs encodes kwargs with every mapping sorted by key.
func canonicalKwargs(s Stage) ([]byte, error) {
	buf, err := json.Marshal(Serialize(s, "").Kwargs)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(buf, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// Equal reports whether a and b are the same stage type with the same
// constructor arguments. UUIDs do not participate.
func Equal(a, b Stage) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Name() != b.Name() {
		return false
	}
	ka, err := canonicalKwargs(a)
	if err != nil {
		return false
	}
	kb, err := canonicalKwargs(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ka, kb)
}

// Chain is an ordered list of stages. Display UUIDs are kept beside the
// stages and assigned on first use.
type Chain struct {
	stages []Stage

	mtx   sync.Mutex
	uuids []string
}

// NewChain returns a chain of stages.
func NewChain(stages ...Stage) *Chain {
	return &Chain{stages: stages, uuids: make([]string, len(stages))}
}

// Add returns a new chain with s appended. UUIDs already assigned are
// shared.
func (c *Chain) Add(s Stage) *Chain {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	out := &Chain{
		stages: append(append([]Stage(nil), c.stages...), s),
		uuids:  append(append([]string(nil), c.uuids...), ""),
	}
	return out
}

// Stages returns the stages of the chain.
func (c *Chain) Stages() []Stage {
	return append([]Stage(nil), c.stages...)
}

func (c *Chain) Len() int { return len(c.stages) }

// UUID returns the display UUID of the i-th stage, assigning one if needed.
func (c *Chain) UUID(i int) string {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.uuids[i] == "" {
		c.uuids[i] = uuid.NewString()
	}
	return c.uuids[i]
}

// Serialize returns the transport form of every stage.
func (c *Chain) Serialize(withUUIDs bool) []Serialized {
	out := make([]Serialized, 0, len(c.stages))
	for i, s := range c.stages {
		id := ""
		if withUUIDs {
			id = c.UUID(i)
		}
		out = append(out, Serialize(s, id))
	}
	return out
}

// Marshal encodes the chain as a JSON list.
func (c *Chain) Marshal(withUUIDs bool) ([]byte, error) {
	return json.Marshal(c.Serialize(withUUIDs))
}

// UnmarshalChain decodes a chain encoded by Chain.Marshal, keeping UUIDs.
func UnmarshalChain(data []byte) (*Chain, error) {
	var ds []Serialized
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, errors.Wrap(err, "decoding stages")
	}
	c := &Chain{uuids: make([]string, 0, len(ds))}
	for i, d := range ds {
		s, err := FromDict(d)
		if err != nil {
			return nil, errors.Wrapf(err, "stage %d", i)
		}
		c.stages = append(c.stages, s)
		c.uuids = append(c.uuids, d.UUID)
	}
	return c, nil
}

// serializeStages returns the kwarg form of a nested stage list.
func serializeStages(stages []Stage) []interface{} {
	out := make([]interface{}, 0, len(stages))
	for _, s := range stages {
		out = append(out, Serialize(s, ""))
	}
	return out
}

// decodeStages builds a nested stage list from its kwarg form. Elements may
// be stages, Serialized values or decoded JSON objects.
func decodeStages(v interface{}) ([]Stage, error) {
	var elems []interface{}
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []Stage:
		return append([]Stage(nil), t...), nil
	case []Serialized:
		for _, d := range t {
			elems = append(elems, d)
		}
	case []interface{}:
		elems = t
	default:
		return nil, errors.Errorf("expected a list of stages, got %T", v)
	}
	out := make([]Stage, 0, len(elems))
	for i, e := range elems {
		s, err := decodeStage(e)
		if err != nil {
			return nil, errors.Wrapf(err, "stage %d", i)
		}
		out = append(out, s)
	}
	return out, nil
}

func decodeStage(v interface{}) (Stage, error) {
	switch t := v.(type) {
	case Stage:
		return t, nil
	case Serialized:
		return FromDict(t)
	case *Serialized:
		return FromDict(*t)
	case map[string]interface{}:
		if _, ok := t[KeyClass]; !ok {
			return nil, errors.Errorf("missing %s", KeyClass)
		}
		buf, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		var d Serialized
		if err := json.Unmarshal(buf, &d); err != nil {
			return nil, err
		}
		return FromDict(d)
	}
	return nil, errors.Errorf("expected a stage, got %T", v)
}

// toDoc converts a decoded JSON object into an ordered document with keys
// sorted, recursively. Ordered documents are kept as they are.
func toDoc(v interface{}) (bson.D, error) {
	switch t := v.(type) {
	case bson.D:
		return t, nil
	case map[string]interface{}:
		d := make(bson.D, 0, len(t))
		for _, k := range sortedKeys(t) {
			d = append(d, bson.E{Key: k, Value: toValue(t[k])})
		}
		return d, nil
	case bson.M:
		return toDoc(map[string]interface{}(t))
	}
	return nil, errors.Errorf("expected a document, got %T", v)
}

func toValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}, bson.M:
		d, _ := toDoc(t)
		return d
	case []interface{}:
		out := make(bson.A, 0, len(t))
		for _, e := range t {
			out = append(out, toValue(e))
		}
		return out
	default:
		return v
	}
}
