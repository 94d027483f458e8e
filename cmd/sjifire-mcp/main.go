// Package main is the entry point for the sjifire-mcp server.
package main

import (
	"os"

	"github.com/sjifire/backoffice/cmd/sjifire-mcp/app"
	"github.com/sjifire/backoffice/pkg/logger"
)

func main() {
	// Initialize the logger
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
