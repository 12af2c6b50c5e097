// Package health exposes plugin health over the standard gRPC health protocol.
//
// Each managed plugin is a service named "plugin/<id>". A loaded plugin reports
// SERVING unless its own health check says it is unhealthy; an unloaded or failed
// plugin reports NOT_SERVING. The empty service name reports the host as a whole:
// SERVING while no tracked plugin is unhealthy.
//
// # Usage Example
//
//	srv, err := health.NewServer(health.Config{Address: ":50051"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Serve(ctx)
//
//	srv.Report(1, plugin.NewHealthyStatus("loaded"))
//
// Any grpc_health_v1 client can then query it:
//
//	grpc-health-probe -addr=localhost:50051 -service=plugin/1
package health
