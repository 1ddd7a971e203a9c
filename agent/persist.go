package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/portmux/portmux/lib/file"
)

const routesFile = "routes.json"

// routeOverrides are the route changes made through the Routing service.
// They are layered over the configured routes so that they survive config
// reloads, and persisted in the data directory so that they survive
// restarts.
type routeOverrides struct {
	Set     map[string]string `json:"set,omitempty"`
	Deleted map[string]bool   `json:"deleted,omitempty"`
}

// loadRouteOverrides reads the persisted overrides. A missing file, or an
// empty data directory, yields no overrides.
func loadRouteOverrides(dataDir string) (*routeOverrides, error) {
	o := &routeOverrides{}
	if dataDir == "" {
		return o, nil
	}
	path := filepath.Join(dataDir, routesFile)
	buf, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return o, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed reading routes file %q: %w", path, err)
	}
	if err := json.Unmarshal(buf, o); err != nil {
		return nil, fmt.Errorf("failed decoding routes file %q: %w", path, err)
	}
	return o, nil
}

// apply returns configured with the overrides applied.
func (o *routeOverrides) apply(configured map[string]string) map[string]string {
	out := make(map[string]string, len(configured)+len(o.Set))
	for svc, addr := range configured {
		if !o.Deleted[svc] {
			out[svc] = addr
		}
	}
	for svc, addr := range o.Set {
		out[svc] = addr
	}
	return out
}

func (o *routeOverrides) set(service, addr string) {
	if o.Set == nil {
		o.Set = make(map[string]string)
	}
	o.Set[service] = addr
	delete(o.Deleted, service)
}

func (o *routeOverrides) delete(service string) {
	if o.Deleted == nil {
		o.Deleted = make(map[string]bool)
	}
	o.Deleted[service] = true
	delete(o.Set, service)
}

// persist writes the overrides atomically. Without a data directory the
// overrides only live in memory.
func (o *routeOverrides) persist(dataDir string) error {
	if dataDir == "" {
		return nil
	}
	encoded, err := json.Marshal(o)
	if err != nil {
		return err
	}
	if err := file.WriteAtomic(filepath.Join(dataDir, routesFile), encoded); err != nil {
		return fmt.Errorf("failed persisting routes: %w", err)
	}
	return nil
}
