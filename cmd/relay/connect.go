package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/theflyingcodr/relay"
	"github.com/theflyingcodr/relay/client"
)

func connectCmd() *cobra.Command {
	var (
		host      string
		channel   string
		binary    bool
		reconnect bool
	)
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Join a channel, sending stdin lines and printing received frames",
		Example: `  relay connect --channel room1
  relay connect --host wss://relay.example.com --channel room1 --binary`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(cmd.Context(), host, channel, binary, reconnect)
		},
	}
	cmd.Flags().StringVar(&host, "host", "ws://localhost:3000", "relay server base url")
	cmd.Flags().StringVarP(&channel, "channel", "c", "", "channel to join")
	cmd.Flags().BoolVar(&binary, "binary", false, "send lines as binary frames")
	cmd.Flags().BoolVar(&reconnect, "reconnect", false, "reconnect if the connection is lost")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}

func runConnect(ctx context.Context, host, channel string, binary, reconnect bool) error {
	// keep stdout for frames
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	var opts []client.OptFunc
	if reconnect {
		opts = append(opts, client.WithReconnect())
	}
	c, err := client.Dial(ctx, host, channel, opts...)
	if err != nil {
		return err
	}
	defer c.Close()

	go func() {
		defer stop()
		for f := range c.Frames() {
			if f.Type == relay.BinaryMessage {
				fmt.Printf("<binary %d bytes> %x\n", len(f.Data), f.Data)
				continue
			}
			fmt.Println(string(f.Data))
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			f := relay.NewTextFrame(line)
			if binary {
				f = relay.NewBinaryFrame([]byte(line))
			}
			if err := c.Send(ctx, f); err != nil {
				return err
			}
		}
	}
}
