package main

import (
	"os"

	"github.com/maestroproject/maestro/cmd/scheduler/cmd"
	"github.com/maestroproject/maestro/internal/common"
)

func main() {
	common.ConfigureLogging()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
