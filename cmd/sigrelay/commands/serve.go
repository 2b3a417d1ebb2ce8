package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/apex/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gtarcea/sigrelay/internal/relay"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		s := relay.NewServer(serveConfig())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := s.Start(ctx); err != nil {
			return err
		}

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		sig := <-sigs
		log.WithField("signal", sig.String()).Info("stopping relay")

		cancel()
		s.Wait()
		return nil
	},
}

func init() {
	flags := serveCmd.Flags()
	flags.String("addr", relay.DefaultConfig.Addr, "HTTP listen address for WebSocket clients")
	flags.String("path", relay.DefaultConfig.Path, "WebSocket endpoint path")
	flags.String("quic-addr", "", "QUIC listen address (disabled when empty)")
	flags.String("metrics-path", relay.DefaultConfig.MetricsPath, "Prometheus metrics path")
	flags.StringSlice("allowed-origins", nil, "browser origins allowed to connect (any when empty)")
	flags.Duration("join-timeout", 0, "close connections that have not joined within this time (0 disables)")
	flags.Bool("reject-before-join", false, "close connections that send frames before joining")
	flags.Bool("announce", false, "announce the relay on the LAN")
	flags.String("name", relay.DefaultConfig.Name, "relay name used in LAN announcements")
	_ = viper.BindPFlags(flags)
}

func serveConfig() relay.Config {
	return relay.Config{
		Addr:             viper.GetString("addr"),
		Path:             viper.GetString("path"),
		QUICAddr:         viper.GetString("quic-addr"),
		MetricsPath:      viper.GetString("metrics-path"),
		AllowedOrigins:   viper.GetStringSlice("allowed-origins"),
		JoinTimeout:      viper.GetDuration("join-timeout"),
		RejectBeforeJoin: viper.GetBool("reject-before-join"),
		Announce:         viper.GetBool("announce"),
		Name:             viper.GetString("name"),
	}
}
