package main

import (
	"os"

	"github.com/mikaelmello/pingwatch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
