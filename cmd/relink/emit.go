package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/relink-io/relink"
)

func init() {
	emitCmd.Flags().DurationVar(&flagEmitWait, "wait", 30*time.Second,
		"how long to wait for a deferred send to drain before giving up")
	rootCmd.AddCommand(emitCmd)
}

var flagEmitWait time.Duration

var emitCmd = &cobra.Command{
	Use:   "emit <event> <json-payload>",
	Short: "Connect and emit one message",
	Long: "Connect to the configured transport and emit a single message.\n" +
		"If the transport is not yet connected the send is queued and the command\n" +
		"waits for the drain to replay it.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		event, body := args[0], args[1]
		if !json.Valid([]byte(body)) {
			return fmt.Errorf("payload is not valid JSON: %s", body)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		uri, err := resolveURI(flagURI, cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s, err := relink.Dial(ctx, uri, sessionOptions(cfg, flagTransport, flagRetry)...)
		if err != nil {
			return err
		}
		defer s.Close()

		sent, err := s.Emit(ctx, event, json.RawMessage(body))
		if err != nil {
			return err
		}
		if sent {
			fmt.Printf("sent %q\n", event)
			return nil
		}

		fmt.Fprintf(os.Stderr, "queued %q, waiting for connectivity...\n", event)
		deadline := time.Now().Add(flagEmitWait)
		for time.Now().Before(deadline) {
			// The queue is the source of truth; connectivity alone does not
			// mean the replay has happened yet.
			if _, messages := s.Pending(); messages == 0 {
				fmt.Printf("sent %q after reconnect\n", event)
				return nil
			}
			time.Sleep(100 * time.Millisecond)
		}
		return fmt.Errorf("gave up after %s: message still queued", flagEmitWait)
	},
}
