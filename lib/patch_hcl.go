package lib

import (
	"fmt"
	"strings"
)

// PatchSliceOfMaps flattens the single-element slices the HCL decoder
// produces for blocks, so that `limits { ... }` decodes like a JSON object.
// Keys listed in skip keep their slice but have their elements patched;
// keys in skipTree are left untouched entirely. Keys are dotted paths and
// match case-insensitively. A block given more than once is an error.
func PatchSliceOfMaps(m map[string]interface{}, skip []string, skipTree []string) (map[string]interface{}, error) {
	p := patcher{skip: lowerAll(skip), skipTree: lowerAll(skipTree)}
	v, err := p.patch("", m)
	if err != nil {
		return nil, err
	}
	return v.(map[string]interface{}), nil
}

type patcher struct {
	skip, skipTree []string
}

func (p patcher) patch(name string, v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case map[string]interface{}:
		if len(x) == 0 {
			return x, nil
		}
		mm := make(map[string]interface{}, len(x))
		for k, v := range x {
			key := k
			if name != "" {
				key = name + "." + k
			}
			pv, err := p.patch(key, v)
			if err != nil {
				return nil, err
			}
			mm[k] = pv
		}
		return mm, nil

	case []interface{}:
		return p.patchSlice(name, x, len(x), func(i int) interface{} { return x[i] }, func(i int, v interface{}) { x[i] = v })

	case []map[string]interface{}:
		return p.patchSlice(name, x, len(x), func(i int) interface{} { return x[i] }, func(i int, v interface{}) {
			x[i] = v.(map[string]interface{})
		})

	default:
		return v, nil
	}
}

func (p patcher) patchSlice(name string, x interface{}, n int, get func(int) interface{}, set func(int, interface{})) (interface{}, error) {
	switch {
	case n == 0:
		return nil, nil
	case containsFold(p.skipTree, name):
		return x, nil
	case containsFold(p.skip, name):
		for i := 0; i < n; i++ {
			v, err := p.patch(name, get(i))
			if err != nil {
				return nil, err
			}
			set(i, v)
		}
		return x, nil
	case n > 1:
		return nil, fmt.Errorf("%s: block may only be given once, got %d", name, n)
	}
	return p.patch(name, get(0))
}

func lowerAll(list []string) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = strings.ToLower(s)
	}
	return out
}

func containsFold(list []string, s string) bool {
	s = strings.ToLower(s)
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
