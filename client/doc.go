// Package client is the Go library for talking to a fabricd daemon. It
// mirrors the fabric manager client contract: a process-scoped Library that is
// initialised once, sessions opened against a daemon over TCP or a unix
// socket, and one call per partition operation.
//
// # Quick start
//
//	lib := client.NewLibrary(client.WithLogger(logger))
//	if err := lib.Init(); err != nil {
//	    log.Fatal(err)
//	}
//	defer lib.Shutdown()
//
//	sess, err := lib.Connect(ctx, api.NewConnectParams("10.0.0.5:6666", 2000, false))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer lib.Disconnect(sess)
//
//	list := api.NewFabricPartitionList()
//	if err := sess.GetSupportedFabricPartitions(ctx, list); err != nil {
//	    log.Fatal(err)
//	}
//	for _, p := range list.Partitions {
//	    if !p.IsActive {
//	        _ = sess.ActivateFabricPartition(ctx, p.PartitionID)
//	    }
//	}
//
// # Targets
//
// `ConnectParams.AddressInfo` is "host", "host:port" or "[v6addr]:port"; the
// port defaults to 6666. With `AddressIsUnixSocket` the address is a socket
// path taken verbatim.
//
// # Errors
//
// Every failure is an `*api.Error` that unwraps to an `api.Status`, so callers
// branch with errors.Is:
//
//	err := sess.DeactivateFabricPartition(ctx, 3)
//	switch {
//	case errors.Is(err, api.StatusUninitialized):
//	    // partition was not active
//	case errors.Is(err, api.StatusConnectionNotValid):
//	    // session lost; reconnect
//	}
//
// A session whose transport fails is dead: later calls return
// CONNECTION_NOT_VALID until it is disconnected and a new session is opened.
// When ctx expires mid-request the call returns TIMEOUT and the session is
// dead as well, since the daemon may still be answering.
//
// Output blocks must carry the version their constructor sets
// (`api.NewFabricPartitionList` and friends). They are only written when the
// call succeeds.
package client
