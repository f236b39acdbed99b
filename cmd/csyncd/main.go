// Command csyncd is the incremental synchronization core's CLI and
// MCP server entry point.
package main

import (
	"fmt"
	"os"

	"github.com/tinker495/csync/cmd/csyncd/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
