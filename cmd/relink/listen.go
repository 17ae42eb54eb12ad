package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relink-io/relink"
)

func init() {
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen <event> [event...]",
	Short: "Connect and print deliveries for the given events",
	Long: "Connect to the configured transport and print every delivery for the\n" +
		"given event names until interrupted. Registrations issued before the\n" +
		"connection is up are queued and attached automatically.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		uri, err := resolveURI(flagURI, cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		s, err := relink.Dial(ctx, uri, sessionOptions(cfg, flagTransport, flagRetry)...)
		cancel()
		if err != nil {
			return err
		}
		defer s.Close()

		for _, event := range args {
			event := event
			attached := s.On(event, func(payload json.RawMessage) {
				fmt.Printf("%s  %s  %s\n", time.Now().Format(time.RFC3339), event, string(payload))
			})
			if attached {
				fmt.Fprintf(os.Stderr, "listening on %q\n", event)
			} else {
				fmt.Fprintf(os.Stderr, "queued listener for %q (will attach on connect)\n", event)
			}
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		return nil
	},
}
