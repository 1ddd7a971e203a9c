package dubbo

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sort"
	"sync"

	hessian "github.com/apache/dubbo-go-hessian2"
	"github.com/hashicorp/go-msgpack/v2/codec"
)

// Serialization ids as assigned by Dubbo.
const (
	Hessian2ID byte = 2
	FastJSONID byte = 6
	MsgpackID  byte = 27
)

// Serialization encodes packet bodies as a sequence of objects.
type Serialization interface {
	ID() byte
	Name() string
	Marshal(values ...any) ([]byte, error)
	NewDecoder(body []byte) ObjectDecoder
}

// ObjectDecoder reads the objects of a body in order. ReadObject returns
// io.EOF once the body is exhausted.
type ObjectDecoder interface {
	ReadObject() (any, error)
}

// Registry holds the serializations a proxy accepts.
type Registry struct {
	mu    sync.RWMutex
	byID  map[byte]Serialization
	names map[string]Serialization
}

// NewRegistry returns a registry holding hessian2, fastjson and msgpack.
func NewRegistry() *Registry {
	r := &Registry{byID: make(map[byte]Serialization), names: make(map[string]Serialization)}
	for _, s := range []Serialization{hessian2{}, fastJSON{}, msgpack{}} {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
	return r
}

var errDuplicateSerialization = errors.New("dubbo: serialization already registered")

// Register adds s.
func (r *Registry) Register(s Serialization) error {
	if s.ID() == 0 || s.ID() > serializationMask {
		return fmt.Errorf("dubbo: serialization id %d out of range", s.ID())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[s.ID()]; ok {
		return fmt.Errorf("%w: %d", errDuplicateSerialization, s.ID())
	}
	if _, ok := r.names[s.Name()]; ok {
		return fmt.Errorf("%w: %s", errDuplicateSerialization, s.Name())
	}
	r.byID[s.ID()] = s
	r.names[s.Name()] = s
	return nil
}

// Lookup returns the serialization with id.
func (r *Registry) Lookup(id byte) (Serialization, bool) {
	r.mu.RLock()
	s, ok := r.byID[id]
	r.mu.RUnlock()
	return s, ok
}

// Names returns the registered serialization names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.names))
	for n := range r.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

type hessian2 struct{}

func (hessian2) ID() byte     { return Hessian2ID }
func (hessian2) Name() string { return "hessian2" }

func (hessian2) Marshal(values ...any) ([]byte, error) {
	enc := hessian.NewEncoder()
	for _, v := range values {
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
	}
	return enc.Buffer(), nil
}

func (hessian2) NewDecoder(body []byte) ObjectDecoder {
	return &hessianDecoder{dec: hessian.NewDecoder(body), remaining: len(body) > 0}
}

type hessianDecoder struct {
	dec       *hessian.Decoder
	remaining bool
}

func (d *hessianDecoder) ReadObject() (any, error) {
	if !d.remaining {
		return nil, io.EOF
	}
	v, err := d.dec.Decode()
	if err != nil {
		d.remaining = false
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	return v, nil
}

// fastJSON writes one JSON document per line, the way the Java fastjson
// serialization does.
type fastJSON struct{}

func (fastJSON) ID() byte     { return FastJSONID }
func (fastJSON) Name() string { return "fastjson" }

func (fastJSON) Marshal(values ...any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, v := range values {
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (fastJSON) NewDecoder(body []byte) ObjectDecoder {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return jsonDecoder{dec}
}

type jsonDecoder struct{ dec *json.Decoder }

func (d jsonDecoder) ReadObject() (any, error) {
	var v any
	if err := d.dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

var msgpackHandle = &codec.MsgpackHandle{
	WriteExt: true,
	BasicHandle: codec.BasicHandle{
		DecodeOptions: codec.DecodeOptions{
			MapType:     reflect.TypeOf(map[string]interface{}{}),
			RawToString: true,
		},
	},
}

type msgpack struct{}

func (msgpack) ID() byte     { return MsgpackID }
func (msgpack) Name() string { return "msgpack" }

func (msgpack) Marshal(values ...any) ([]byte, error) {
	var out []byte
	enc := codec.NewEncoderBytes(&out, msgpackHandle)
	for _, v := range values {
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (msgpack) NewDecoder(body []byte) ObjectDecoder {
	return msgpackDecoder{codec.NewDecoder(bytes.NewReader(body), msgpackHandle)}
}

type msgpackDecoder struct{ dec *codec.Decoder }

func (d msgpackDecoder) ReadObject() (any, error) {
	var v any
	if err := d.dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
