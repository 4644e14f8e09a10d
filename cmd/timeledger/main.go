// Command timeledger reconciles presence events into sessions and time
// totals.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/timeledger/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "timeledger:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
