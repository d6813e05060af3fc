// Package main is the entry point for the session-auth server.
//
// The main package only parses flags and hands off: configuration lives in
// internal/config, wiring in internal/server.
//
//	session-auth                 serve HTTP (default)
//	session-auth migrate         apply database migrations and exit
//	session-auth --port 9000     flags override environment variables
package main

import (
	"fmt"
	"os"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
