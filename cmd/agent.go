package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/DragonSecurity/burrow/internal/agent"
)

func init() {
	agentCmd.Flags().String("server", "http://localhost:3001", "relay base URL")
	agentCmd.Flags().String("name", "", "tunnel name (default tunnel-<unix millis>)")
	agentCmd.Flags().String("to", agent.DefaultLocalTo, "local HTTP service")
	agentCmd.Flags().Duration("header-timeout", agent.DefaultHeaderTimeout, "how long to wait for the local service's response headers")
	agentCmd.Flags().Duration("reconnect-max", agent.DefaultReconnectMax, "longest pause between reconnect attempts")

	_ = viper.BindPFlag("agent.server", agentCmd.Flags().Lookup("server"))
	_ = viper.BindPFlag("agent.name", agentCmd.Flags().Lookup("name"))
	_ = viper.BindPFlag("agent.to", agentCmd.Flags().Lookup("to"))
	_ = viper.BindPFlag("agent.header_timeout", agentCmd.Flags().Lookup("header-timeout"))
	_ = viper.BindPFlag("agent.reconnect_max", agentCmd.Flags().Lookup("reconnect-max"))

	rootCmd.AddCommand(agentCmd)
}

type agentCfg struct {
	Agent agent.Config `mapstructure:"agent"`
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "run agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger("agent")
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		var cfg agentCfg
		if err := viper.Unmarshal(&cfg); err != nil {
			return fmt.Errorf("decode agent config: %w", err)
		}
		return agent.Run(ctx, cfg.Agent, log)
	},
}
