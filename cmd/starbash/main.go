// Command starbash is the narrow programmatic driver for the engine
// (spec §6.4): repository management, selection mutation, info
// queries, and the process-masters/process-auto triggers. Grounded on
// the teacher's cmd/test-integration/main.go and internal/cli.NewRootCmd
// wiring shape.
package main

import (
	"fmt"
	"os"

	"starbash/internal/cli"
	"starbash/internal/config"
	"starbash/internal/engine"
	"starbash/internal/logging"
	"starbash/internal/toolruntime"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "starbash: load config:", err)
		return 2
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "starbash: setup logging:", err)
		return 2
	}

	eng, err := engine.New(cfg, log)
	if err != nil {
		log.Error("failed to initialize engine", "error", err)
		return 2
	}
	defer eng.Close()
	defer toolruntime.Terminate()

	root := cli.NewRootCmd(eng)
	if err := root.Execute(); err != nil {
		return 2
	}
	return cli.LastExitCode()
}
