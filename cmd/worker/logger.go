package main

import (
	"github.com/gridwatch/gridwatch-worker/internal/config"
	"github.com/gridwatch/gridwatch-worker/internal/logging"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName)
}
