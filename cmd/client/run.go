package main

import (
	"context"
	"e2e_paste/internal/config"
	"e2e_paste/internal/service/app"
	"e2e_paste/internal/service/gateway"
	"e2e_paste/internal/service/pairing"
	"e2e_paste/internal/service/streamsync"
	"e2e_paste/internal/utils/log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	runOffline bool

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Open the paste stream",
		Long: `Opens the paste stream of the logged in account. A device that has not
joined the stream yet asks one of your other devices for approval and
waits until it is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := loadDeps(ctx)
			if err != nil {
				return err
			}
			defer d.Close()
			return d.run(ctx, runOffline)
		},
	}
)

func init() {
	runCmd.Flags().BoolVar(&runOffline, "offline", false, "show cached pastes without contacting the server")
}

func (d *deps) run(ctx context.Context, forceOffline bool) error {
	s, err := d.resume(ctx)
	if err != nil {
		return err
	}
	offline := s.Offline || forceOffline

	cc := d.cfg.Client
	registry := pairing.NewRegistry(d.client, d.store, pairing.Config{
		Description: deviceDescription(cc),
		Retry:       clientBackoff(cc),
		JoinTimeout: cc.JoinTimeout,
	})

	var reader streamsync.Reader = d.client
	if cc.Transport == config.TransportWebsocket {
		socket := gateway.NewSocketReader(d.client)
		defer socket.Close()
		reader = socket
	}

	ui := app.NewApp(s.User, offline)
	engine := streamsync.NewEngine(d.client, d.store, registry, streamsync.Config{
		PollDelay:      cc.PollDelay,
		Retry:          clientBackoff(cc),
		DecryptFailure: cc.DecryptFailure,
		Retention:      cc.Retention,
		Reader:         reader,
	}, ui.Handlers())
	ui.SetEngine(engine)

	if err := engine.Start(ctx, s.User.Email, offline); err != nil {
		return err
	}
	defer engine.Stop()

	log.Info("client started",
		zap.String("email", s.User.Email),
		zap.Bool("offline", offline),
		zap.String("transport", cc.Transport))
	return ui.Run(ctx)
}

func deviceDescription(c config.ClientConfig) string {
	if c.Description != "" {
		return c.Description
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown device"
	}
	return host
}
