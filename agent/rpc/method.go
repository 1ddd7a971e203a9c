package rpc

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"time"
)

var (
	typeOfContext = reflect.TypeOf((*context.Context)(nil)).Elem()
	typeOfError   = reflect.TypeOf((*error)(nil)).Elem()
	typeOfEmitter = reflect.TypeOf((*Emitter)(nil))
)

// MethodOptions tune one method of a service instance.
type MethodOptions struct {
	// Timeout caps the method's run time on the server, and is the default
	// call timeout advertised to clients.
	Timeout time.Duration

	// ParamNames names the arguments after the context, for logs and
	// descriptions.
	ParamNames []string

	// ChunkType is the type a streaming method emits.
	ChunkType reflect.Type
}

// MethodOptioner is implemented by service instances that declare per-method
// options.
type MethodOptioner interface {
	RPCMethodOptions() map[string]MethodOptions
}

// Method is the cached metadata of one callable method. It is built once when
// the service instance is registered and never changes.
type Method struct {
	Service    string
	Version    string
	Name       string
	ParamNames []string
	ParamTypes []reflect.Type
	ResultType reflect.Type
	ChunkType  reflect.Type
	Streaming  bool
	Timeout    time.Duration

	fn reflect.Value
}

// suitableMethods reflects over instance and returns the methods shaped
//
//	func(ctx context.Context, args...) (R, error)
//	func(ctx context.Context, args...) error
//
// optionally with a trailing *Emitter parameter for streaming methods.
func suitableMethods(service, version string, instance any) (map[string]*Method, error) {
	v := reflect.ValueOf(instance)
	t := v.Type()

	var opts map[string]MethodOptions
	if o, ok := instance.(MethodOptioner); ok {
		opts = o.RPCMethodOptions()
	}

	methods := make(map[string]*Method)
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		if !m.IsExported() || m.Name == "RPCMethodOptions" {
			continue
		}
		if len(m.Name) > MaxNameLen {
			return nil, fmt.Errorf("%w: method %s", ErrNameTooLong, m.Name)
		}
		method, ok := buildMethod(m.Type, v.Method(i))
		if !ok {
			continue
		}
		method.Service = service
		method.Version = version
		method.Name = m.Name
		if o, ok := opts[m.Name]; ok {
			method.Timeout = o.Timeout
			method.ChunkType = o.ChunkType
			if len(o.ParamNames) == len(method.ParamTypes) {
				method.ParamNames = o.ParamNames
			}
		}
		if method.ParamNames == nil {
			for j := range method.ParamTypes {
				method.ParamNames = append(method.ParamNames, fmt.Sprintf("arg%d", j))
			}
		}
		methods[m.Name] = method
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSuitableMethods, t)
	}
	return methods, nil
}

// buildMethod checks the shape of a method type whose receiver is at In(0).
func buildMethod(mt reflect.Type, fn reflect.Value) (*Method, bool) {
	if mt.NumIn() < 2 || mt.In(1) != typeOfContext {
		return nil, false
	}
	in := make([]reflect.Type, 0, mt.NumIn()-2)
	for j := 2; j < mt.NumIn(); j++ {
		in = append(in, mt.In(j))
	}

	m := &Method{fn: fn}
	if n := len(in); n > 0 && in[n-1] == typeOfEmitter {
		m.Streaming = true
		in = in[:n-1]
	}
	for _, p := range in {
		if p == typeOfEmitter || p == typeOfContext {
			return nil, false
		}
	}
	m.ParamTypes = in

	switch mt.NumOut() {
	case 1:
		if mt.Out(0) != typeOfError {
			return nil, false
		}
	case 2:
		if mt.Out(1) != typeOfError {
			return nil, false
		}
		m.ResultType = mt.Out(0)
	default:
		return nil, false
	}
	return m, true
}

// decodeArgs decodes the payload into one value per parameter.
func (m *Method) decodeArgs(payload []byte) ([]reflect.Value, error) {
	args := make([]reflect.Value, len(m.ParamTypes))
	if len(m.ParamTypes) == 0 {
		return args, nil
	}
	dec := newPayloadDecoder(payload)
	for i, t := range m.ParamTypes {
		ptr := reflect.New(t)
		if err := dec.decode(ptr.Interface()); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", m.ParamNames[i], err)
		}
		args[i] = ptr.Elem()
	}
	return args, nil
}

// call invokes the method. A panic in the method is returned as an error.
func (m *Method) call(ctx context.Context, args []reflect.Value, em *Emitter) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s.%s: %v", m.Service, m.Name, r)
		}
	}()

	in := make([]reflect.Value, 0, len(args)+2)
	in = append(in, reflect.ValueOf(ctx))
	in = append(in, args...)
	if m.Streaming {
		in = append(in, reflect.ValueOf(em))
	}
	out := m.fn.Call(in)

	errV := out[len(out)-1]
	if !errV.IsNil() {
		err = errV.Interface().(error)
	}
	if m.ResultType != nil && err == nil {
		result = out[0].Interface()
	}
	return result, err
}

func (m *Method) String() string {
	return fmt.Sprintf("%s:%s.%s", m.Service, m.Version, m.Name)
}

// methodNames returns the sorted method names of a service.
func methodNames(methods map[string]*Method) []string {
	names := make([]string, 0, len(methods))
	for name := range methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
