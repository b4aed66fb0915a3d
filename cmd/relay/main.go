package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay websocket frames between members of a channel",
		Long: `relay is a websocket fan-out server.

Clients connect to /ws/<channel> and every frame one member sends is
forwarded, unmodified, to every other member of the same channel.`,
		SilenceUsage: true,
	}
	rootCmd.AddCommand(serveCmd(), connectCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("relay exited")
		os.Exit(1)
	}
}
