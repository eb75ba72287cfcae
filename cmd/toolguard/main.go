// Command toolguard runs a secure tool server in front of upstream HTTP
// tools and manages the keys it signs with.
package main

import "os"

// version is set at build time with -ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
