// Package main (cmd/device-sim) runs a simulated fleet device for local
// end-to-end runs against a real provisioning server.
//
// The simulator answers Gen2-style JSON-RPC credential uploads on one
// loopback listener and presents the installed certificate on a second,
// TLS listener, which is what the server's verification probe dials. Both
// addresses are printed at startup; pass them as --address and
// --probe-address to provision-client.
package main
