// Command fragcache manages fragment cache repositories: schema setup,
// document locks, cache stats, running a cluster node, and scenario tests.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/fragcache/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
