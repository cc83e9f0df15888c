package main

import (
	"os"

	"github.com/conneroisu/pagecache/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
