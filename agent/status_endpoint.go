package agent

import (
	"context"

	"github.com/portmux/portmux/api"
	"github.com/portmux/portmux/version"
)

// Status is the RPC service reporting on the agent itself.
type Status struct {
	agent *Agent
}

// Ping answers "pong". Unlike a control ping it exercises request dispatch.
func (s *Status) Ping(context.Context) (string, error) {
	return "pong", nil
}

func (s *Status) Version(context.Context) (api.VersionInfo, error) {
	return api.VersionInfo{
		Version:   version.GetHumanVersion(),
		Revision:  version.GitCommit,
		Protocols: s.agent.Protocols(),
	}, nil
}

func (s *Status) Stats(context.Context) (api.Stats, error) {
	routes, v := s.agent.routes.Snapshot()
	return api.Stats{
		Channels:      s.agent.NumChannels(),
		Routes:        len(routes),
		RoutesVersion: v,
	}, nil
}
