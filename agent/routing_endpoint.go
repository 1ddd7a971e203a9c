package agent

import (
	"context"
	"reflect"

	"github.com/portmux/portmux/agent/routing"
	"github.com/portmux/portmux/agent/rpc"
)

// Routing is the RPC service for administrative changes to the routing
// table.
type Routing struct {
	agent *Agent
}

func (r *Routing) RPCMethodOptions() map[string]rpc.MethodOptions {
	return map[string]rpc.MethodOptions{
		"List":   {ChunkType: reflect.TypeOf(routing.Route{})},
		"Set":    {ParamNames: []string{"service", "address"}},
		"Delete": {ParamNames: []string{"service"}},
	}
}

// List streams every route sorted by service and returns the table version
// the routes were read at.
func (r *Routing) List(ctx context.Context, em *rpc.Emitter) (uint64, error) {
	routes, version := r.agent.routes.Snapshot()
	for _, route := range routes {
		if err := em.Send(route); err != nil {
			return 0, err
		}
	}
	return version, nil
}

func (r *Routing) Set(ctx context.Context, service, address string) error {
	if err := routing.Validate(service, address); err != nil {
		return rpc.Errorf(rpc.StatusBadRequest, "%v", err)
	}
	return r.agent.SetRoute(service, address)
}

// Delete reports whether the service had a route.
func (r *Routing) Delete(ctx context.Context, service string) (bool, error) {
	if service == "" {
		return false, rpc.Errorf(rpc.StatusBadRequest, "missing service name")
	}
	return r.agent.DeleteRoute(service)
}
