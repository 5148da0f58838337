// Tunnel Client - routes all traffic through a local proxy engine
package main

import (
	"fmt"
	"os"

	"github.com/user/tunnel-client/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
