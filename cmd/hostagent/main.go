package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/drydock-cloud/drydock/pkg/common"
	"github.com/drydock-cloud/drydock/pkg/hostagent"
	"github.com/drydock-cloud/drydock/pkg/types"
)

func main() {
	configManager, err := common.NewConfigManager[types.AgentConfig]()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	config := configManager.GetConfig()

	// Setup logging
	if config.PrettyLogs {
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	if config.ResourceName == "" || config.Secret == "" {
		log.Fatal().Msg("resourceName and secret are required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	agent := hostagent.NewAgent(config)

	if config.CallbackURL != "" {
		go agent.Reporter().RunHeartbeat(ctx)
	}

	if err := agent.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("host agent exited with error")
	}
	log.Info().Msg("host agent stopped")
}
