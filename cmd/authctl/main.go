package main

import (
	"os"

	"github.com/hearthbudget/backend/internal/cli"
	"github.com/hearthbudget/backend/pkg/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger.Init()
	defer logger.Sync()

	if err := cli.Execute(); err != nil {
		return 1
	}
	return 0
}
