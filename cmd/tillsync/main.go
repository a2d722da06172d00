// Command tillsync synchronizes a point-of-sale terminal's local store with
// the remote sync service.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/tillsync/internal/cli"
	"github.com/roach88/tillsync/internal/retry"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", retry.Sanitize(err))
		os.Exit(cli.GetExitCode(err))
	}
}
