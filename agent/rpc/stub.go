package rpc

import (
	"context"
	"fmt"
	"reflect"
	"time"
)

// Invoker sends calls. *Client and the targets of a ConnPool implement it.
type Invoker interface {
	Invoke(ctx context.Context, opts CallOptions, out any, args ...any) error
	Notify(ctx context.Context, opts CallOptions, args ...any) error
	Stream(ctx context.Context, opts CallOptions, args ...any) (*Stream, error)
}

var (
	_ Invoker = (*Client)(nil)
	_ Invoker = (*poolTarget)(nil)
)

// MethodMode is how a method's result is delivered.
type MethodMode uint8

const (
	// ModeUnary waits for exactly one response.
	ModeUnary MethodMode = iota
	// ModeOneWay sends the request and never waits.
	ModeOneWay
	// ModeStream receives chunks followed by a final response.
	ModeStream
)

func (m MethodMode) String() string {
	switch m {
	case ModeUnary:
		return "unary"
	case ModeOneWay:
		return "one-way"
	case ModeStream:
		return "stream"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// MethodDesc describes one remote method as seen by a caller.
type MethodDesc struct {
	Name    string
	Mode    MethodMode
	Timeout time.Duration

	// Params are the argument types after the context. Nil skips the
	// argument count check.
	Params []reflect.Type
	Result reflect.Type
}

// ServiceDesc describes a remote service.
type ServiceDesc struct {
	Service string
	Version string
	Methods map[string]MethodDesc
}

var typeOfStream = reflect.TypeOf((*Stream)(nil))

// DescribeInterface builds a ServiceDesc from an interface type, given as a
// nil pointer to it: DescribeInterface("Routing", "1", (*RoutingAPI)(nil)).
// Methods must take a context.Context first and are classified by their
// results:
//
//	(R, error)        unary with a result
//	error             unary without a result
//	(*Stream, error)  streaming
//	nothing           one-way
func DescribeInterface(service, version string, iface any) (*ServiceDesc, error) {
	t := reflect.TypeOf(iface)
	if t == nil || t.Kind() != reflect.Ptr || t.Elem().Kind() != reflect.Interface {
		return nil, fmt.Errorf("rpc: %T is not a pointer to an interface", iface)
	}
	t = t.Elem()

	desc := &ServiceDesc{Service: service, Version: version, Methods: make(map[string]MethodDesc)}
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		mt := m.Type
		if mt.NumIn() < 1 || mt.In(0) != typeOfContext {
			return nil, fmt.Errorf("rpc: %s.%s must take a context.Context first", t, m.Name)
		}
		md := MethodDesc{Name: m.Name}
		for j := 1; j < mt.NumIn(); j++ {
			md.Params = append(md.Params, mt.In(j))
		}
		switch {
		case mt.NumOut() == 0:
			md.Mode = ModeOneWay
		case mt.NumOut() == 1 && mt.Out(0) == typeOfError:
			md.Mode = ModeUnary
		case mt.NumOut() == 2 && mt.Out(1) == typeOfError && mt.Out(0) == typeOfStream:
			md.Mode = ModeStream
		case mt.NumOut() == 2 && mt.Out(1) == typeOfError:
			md.Mode = ModeUnary
			md.Result = mt.Out(0)
		default:
			return nil, fmt.Errorf("rpc: %s.%s has unsupported results", t, m.Name)
		}
		desc.Methods[m.Name] = md
	}
	return desc, nil
}

// Stub is a typed proxy for a remote service.
type Stub struct {
	desc *ServiceDesc
	inv  Invoker
}

// NewStub returns a stub sending the calls described by desc through inv.
func NewStub(desc *ServiceDesc, inv Invoker) *Stub {
	return &Stub{desc: desc, inv: inv}
}

// Desc returns the stub's service description.
func (s *Stub) Desc() *ServiceDesc { return s.desc }

func (s *Stub) method(name string, mode MethodMode, args []any) (CallOptions, error) {
	md, ok := s.desc.Methods[name]
	if !ok {
		return CallOptions{}, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, s.desc.Service, name)
	}
	if md.Mode != mode {
		return CallOptions{}, fmt.Errorf("rpc: %s.%s is %s, not %s", s.desc.Service, name, md.Mode, mode)
	}
	if md.Params != nil && len(md.Params) != len(args) {
		return CallOptions{}, fmt.Errorf("rpc: %s.%s takes %d arguments, got %d",
			s.desc.Service, name, len(md.Params), len(args))
	}
	return CallOptions{
		Service: s.desc.Service,
		Version: s.desc.Version,
		Method:  name,
		Timeout: md.Timeout,
	}, nil
}

// Call invokes a unary method and decodes its result into out.
func (s *Stub) Call(ctx context.Context, method string, out any, args ...any) error {
	opts, err := s.method(method, ModeUnary, args)
	if err != nil {
		return err
	}
	return s.inv.Invoke(ctx, opts, out, args...)
}

// Notify invokes a one-way method.
func (s *Stub) Notify(ctx context.Context, method string, args ...any) error {
	opts, err := s.method(method, ModeOneWay, args)
	if err != nil {
		return err
	}
	return s.inv.Notify(ctx, opts, args...)
}

// Stream invokes a streaming method.
func (s *Stub) Stream(ctx context.Context, method string, args ...any) (*Stream, error) {
	opts, err := s.method(method, ModeStream, args)
	if err != nil {
		return nil, err
	}
	return s.inv.Stream(ctx, opts, args...)
}

// CallFor invokes a unary method on s and returns its decoded result.
func CallFor[R any](ctx context.Context, s *Stub, method string, args ...any) (R, error) {
	var out R
	err := s.Call(ctx, method, &out, args...)
	return out, err
}
