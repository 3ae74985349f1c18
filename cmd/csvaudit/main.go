package main

import (
	"os"

	"github.com/telekom/csvaudit/pkg/cmd"
)

func main() {
	root := cmd.NewRootCommand(cmd.DefaultConfig())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
