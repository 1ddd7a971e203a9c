package logging

// Names of the sub-loggers handed to each subsystem.
const (
	Agent     string = "agent"
	Channel   string = "channel"
	Dubbo     string = "dubbo"
	Mux       string = "mux"
	MySQL     string = "mysql"
	Proxy     string = "proxy"
	Routing   string = "routing"
	RPC       string = "rpc"
	RPCClient string = "rpc.client"
	Stub      string = "stub"
	Telemetry string = "telemetry"
	Watcher   string = "watcher"
)
