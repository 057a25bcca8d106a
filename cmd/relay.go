package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/DragonSecurity/burrow/internal/relay"
)

func init() {
	relayCmd.Flags().String("public", relay.DefaultPublicAddr, "public address")
	relayCmd.Flags().Duration("request-timeout", relay.DefaultRequestTimeout, "how long a forwarded request waits for its reply")
	relayCmd.Flags().Duration("stream-idle-timeout", 0, "fail an open stream after this long without a chunk (0 = never)")
	relayCmd.Flags().Int64("max-body", relay.DefaultMaxBody, "largest accepted request body in bytes")

	_ = viper.BindPFlag("relay.public", relayCmd.Flags().Lookup("public"))
	_ = viper.BindPFlag("relay.request_timeout", relayCmd.Flags().Lookup("request-timeout"))
	_ = viper.BindPFlag("relay.stream_idle_timeout", relayCmd.Flags().Lookup("stream-idle-timeout"))
	_ = viper.BindPFlag("relay.max_body", relayCmd.Flags().Lookup("max-body"))

	rootCmd.AddCommand(relayCmd)
}

type relayCfg struct {
	Relay relay.Config `mapstructure:"relay"`
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "run the public relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger("relay")
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		var cfg relayCfg
		if err := viper.Unmarshal(&cfg); err != nil {
			return fmt.Errorf("decode relay config: %w", err)
		}
		return relay.Run(ctx, cfg.Relay, log)
	},
}
