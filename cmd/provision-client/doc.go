// Package main (cmd/provision-client) is the operator CLI for the
// provisioning API.
//
// It submits provisioning requests, optionally generating the device
// keypair locally so only a CSR travels to the server (--device-key),
// polls jobs to a terminal state, inspects identities and their
// certificate history, revokes certificates by serial, and fetches the
// authority root.
//
// Example, provision a device that keeps its key local:
//
//	provision-client request --cn shelly-01 --device-key \
//	    --address 192.168.1.40:80 --probe-address 192.168.1.40:443
package main
