package server

import (
	"net/http"

	"github.com/VictoriaMetrics/metrics"

	"github.com/larchdb/larch/rpc/common"
	"github.com/larchdb/larch/rpc/transport"
)

// PingAdapter answers liveness probes. It is registered on ServicePing
// with its own thread cap so pings get through even when the master
// service is saturated.
type PingAdapter struct{}

func (PingAdapter) HandleRPC(op common.Opcode, _ []byte) []byte {
	if op != common.OpPing {
		return common.EncodeResponse(common.StatusServiceNotAvailable, nil)
	}
	return common.EncodeResponse(common.StatusOK, &common.PingResponse{})
}

// RPCServer ties a transport to a dispatcher.
//
// Usage:
//
//	s := server.NewRPCServer(config, tcp.NewTCPServerTransport())
//	s.RegisterService(common.ServiceMaster, masterService, config.MasterThreads)
//	s.RegisterService(common.ServicePing, server.PingAdapter{}, config.PingThreads)
//	if err := s.Serve(); err != nil {
//		panic(err)
//	}
type RPCServer struct {
	config     common.ServerConfig
	transport  transport.IRPCServerTransport
	dispatcher *Dispatcher
}

// NewRPCServer creates a server over the given transport.
func NewRPCServer(config common.ServerConfig, tr transport.IRPCServerTransport) *RPCServer {
	Logger.Infof("Created RPC server")
	Logger.Infof(config.String())
	return &RPCServer{
		config:     config,
		transport:  tr,
		dispatcher: NewDispatcher(),
	}
}

// RegisterService installs one service adapter. Must precede Serve.
func (s *RPCServer) RegisterService(id common.Service, adapter Adapter, maxThreads int) {
	s.dispatcher.RegisterService(id, adapter, maxThreads)
}

// Dispatcher exposes the dispatcher, mainly for tests.
func (s *RPCServer) Dispatcher() *Dispatcher { return s.dispatcher }

// Serve starts the dispatcher and blocks on the transport listener.
func (s *RPCServer) Serve() error {
	s.dispatcher.Start()
	s.transport.RegisterHandler(s.dispatcher.HandleRpc)

	if s.config.MetricsEndpoint != "" {
		go func() {
			http.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
				metrics.WritePrometheus(w, true)
			})
			Logger.Infof("Serving metrics on %s", s.config.MetricsEndpoint)
			if err := http.ListenAndServe(s.config.MetricsEndpoint, nil); err != nil {
				Logger.Errorf("metrics endpoint failed: %v", err)
			}
		}()
	}

	return s.transport.Listen(s.config)
}

// Stop closes the listener and drains the dispatcher.
func (s *RPCServer) Stop() {
	if err := s.transport.Close(); err != nil {
		Logger.Warningf("closing transport: %v", err)
	}
	s.dispatcher.Stop()
}
