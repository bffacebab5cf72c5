package main

import (
	"os"

	"github.com/zep-us/cacheproxy/internal/app"
	"github.com/zep-us/cacheproxy/internal/config"
	"github.com/zep-us/cacheproxy/pkg/logger"
)

func main() {
	fs := config.Flags()
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal("Failed to parse flags: %v", err)
	}

	cfg, err := config.Load(fs)
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}

	application := app.NewApp(cfg)

	logger.Info("cacheproxy starting...")

	if err := application.Run(); err != nil {
		logger.Fatal("Server error: %v", err)
	}
}
