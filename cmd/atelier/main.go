// Command atelier tracks print-shop work orders through the status pipeline.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/atelier/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
