package server

import (
	"github.com/raysh454/kansoku/internal/app"
	"github.com/raysh454/kansoku/internal/logging"
)

type Config struct {
	// ListenAddr is the HTTP listen address for the API server.
	ListenAddr string
	Logger     logging.Logger
	// Orchestrator is shared with the scheduler when both run in one
	// process.
	Orchestrator *app.Orchestrator
}
