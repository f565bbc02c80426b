// Command mozarex-cache runs the content cache service and its maintenance
// commands.
//
// Usage:
//
//	mozarex-cache serve              # run the HTTP API
//	mozarex-cache migrate            # apply Postgres migrations
//	mozarex-cache cache stats        # print entry counts
//	mozarex-cache cache cleanup      # delete expired entries
package main

import (
	"os"

	"mozarex-cache/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
