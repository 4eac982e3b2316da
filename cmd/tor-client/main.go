// Package main provides the entry point for the garlic Tor client CLI.
//
// garlic demonstrates the client-side machinery for reaching Tor v3 onion
// services: network-status parsing, the ntor/hs-ntor handshakes, circuit
// extension, rendezvous, and the circuit racer/domain pool that sit on top.
//
// Usage:
//
//	tor-client fetch
//	tor-client pool-demo <onion-address> <port>
//
// See --help for all available options.
package main

func main() {
	Execute()
}
