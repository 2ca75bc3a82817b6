// Package fabricd exposes the fabric partition daemon: a long-running service
// that owns the NVLink partition state of one host and answers client
// sessions over TCP or a unix domain socket.
//
// # Running a server
//
// The server listens on `Config.ListenProto` (default `tcp`) and
// `Config.Listen` (default ":6666"). The fabric topology is read from
// `Config.TopologyPath`; until the file exists and validates, every request
// fails with NOT_CONFIGURED.
//
//	cfg := fabricd.Config{
//	    Listen:       ":6666",
//	    TopologyPath: "/var/run/fabricd/topology.yaml",
//	}
//	srv, err := fabricd.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("fabricd: %v", err)
//	    }
//	}()
//	defer srv.Close()
//
// # Unix domain sockets
//
// Same-host consumers such as a hypervisor agent can connect over a unix
// socket. On Linux the peer process credentials are logged for every
// session.
//
//	cfg := fabricd.Config{ListenProto: "unix", Listen: "/var/run/fabricd.sock"}
//	srv, stop, err := fabricd.StartServer(ctx, cfg)
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//
// # Topology
//
// The topology is YAML. Each supported partition lists its member GPUs;
// partitions the host cannot activate are listed separately.
//
//	platform:
//	  name: hgx-8gpu
//	  linkTraining: manager    # or "hardware"
//	partitions:
//	  - id: 0
//	    gpus:
//	      - physicalId: 1
//	        uuid: GPU-6a1b2c3d-0000-4000-8000-000000000001
//	        pciBusId: "00000000:07:00.0"
//	        nvlinks: {available: 18, max: 18, lineRateMBps: 53125}
//	unsupported:
//	  - id: 9
//	    gpus: [7, 8]
//
// # Restart mode
//
// With `Config.RestartMode` the daemon assumes it restarted while partitions
// stayed active in hardware. Activation and deactivation fail with
// NOT_CONFIGURED until a client replays the activated set with
// SetActivatedFabricPartitions; queries work immediately.
//
// # Client library
//
// Go consumers use `pkt.systems/fabricd/client`:
//
//	lib := client.NewLibrary()
//	if err := lib.Init(); err != nil { return err }
//	defer lib.Shutdown()
//	sess, err := lib.Connect(ctx, api.NewConnectParams("10.0.0.5", 0, false))
//	if err != nil { return err }
//	list := api.NewFabricPartitionList()
//	if err := sess.GetSupportedFabricPartitions(ctx, list); err != nil { return err }
//
// # Observability
//
// Logging uses pslog with event-style messages (`partition.activate.begin`,
// `session.open`). `Config.MetricsListen` exposes OpenTelemetry metrics in
// Prometheus format at /metrics, `Config.OTLPEndpoint` exports request spans
// and `Config.PprofListen` serves net/http/pprof.
package fabricd
