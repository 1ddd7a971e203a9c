package dubbo

import (
	"errors"
	"fmt"
	"io"
)

var errMalformedBody = errors.New("dubbo: malformed request body")

// Invocation is the part of a request body the proxy reads to route it.
type Invocation struct {
	DubboVersion string
	Path         string
	Version      string
	Method       string
	ParamTypes   string
	Args         []any
	Attachments  map[string]string
}

// Attachment returns the attachment key, or "".
func (inv *Invocation) Attachment(key string) string {
	return inv.Attachments[key]
}

// ParseInvocation decodes a request body: dubbo version, service path,
// service version, method name, parameter descriptor, one object per
// parameter and the attachment map.
func ParseInvocation(s Serialization, body []byte) (*Invocation, error) {
	dec := s.NewDecoder(body)
	var head [5]string
	for i := range head {
		v, err := dec.ReadObject()
		if err != nil {
			return nil, fmt.Errorf("%w: field %d: %v", errMalformedBody, i, err)
		}
		str, ok := v.(string)
		if !ok && v != nil {
			return nil, fmt.Errorf("%w: field %d is %T", errMalformedBody, i, v)
		}
		head[i] = str
	}
	inv := &Invocation{
		DubboVersion: head[0],
		Path:         head[1],
		Version:      head[2],
		Method:       head[3],
		ParamTypes:   head[4],
	}

	n, err := countParams(inv.ParamTypes)
	if err != nil {
		return nil, err
	}
	inv.Args = make([]any, 0, n)
	for i := 0; i < n; i++ {
		v, err := dec.ReadObject()
		if err != nil {
			return nil, fmt.Errorf("%w: argument %d: %v", errMalformedBody, i, err)
		}
		inv.Args = append(inv.Args, v)
	}

	v, err := dec.ReadObject()
	switch {
	case err == io.EOF:
	case err != nil:
		return nil, fmt.Errorf("%w: attachments: %v", errMalformedBody, err)
	default:
		inv.Attachments = stringMap(v)
	}
	return inv, nil
}

// countParams counts the types in a JVM method descriptor such as
// "Ljava/lang/String;I[J".
func countParams(desc string) (int, error) {
	n := 0
	for i := 0; i < len(desc); i++ {
		switch desc[i] {
		case 'Z', 'B', 'C', 'D', 'F', 'I', 'J', 'S':
			n++
		case 'V':
		case '[':
			// element type follows and is counted
		case 'L':
			j := i
			for j < len(desc) && desc[j] != ';' {
				j++
			}
			if j == len(desc) {
				return 0, fmt.Errorf("%w: unterminated type in %q", errMalformedBody, desc)
			}
			i = j
			n++
		default:
			return 0, fmt.Errorf("%w: bad type %q in %q", errMalformedBody, desc[i], desc)
		}
	}
	return n, nil
}

// stringMap keeps the string entries of a decoded map.
func stringMap(v any) map[string]string {
	out := make(map[string]string)
	switch m := v.(type) {
	case map[any]any:
		for k, val := range m {
			ks, ok1 := k.(string)
			vs, ok2 := val.(string)
			if ok1 && ok2 {
				out[ks] = vs
			}
		}
	case map[string]any:
		for k, val := range m {
			if vs, ok := val.(string); ok {
				out[k] = vs
			}
		}
	case map[string]string:
		for k, val := range m {
			out[k] = val
		}
	}
	return out
}

// EncodeInvocation is the inverse of ParseInvocation.
func EncodeInvocation(s Serialization, inv *Invocation) ([]byte, error) {
	values := []any{inv.DubboVersion, inv.Path, inv.Version, inv.Method, inv.ParamTypes}
	values = append(values, inv.Args...)
	attachments := inv.Attachments
	if attachments == nil {
		attachments = map[string]string{}
	}
	values = append(values, attachments)
	return s.Marshal(values...)
}
