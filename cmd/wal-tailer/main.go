// Command wal-tailer runs the WAL tailing reader CLI.
package main

import (
	"fmt"
	"os"

	"github.com/riverbank-data/wal-tailer/internal/cli"
)

func main() {
	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
