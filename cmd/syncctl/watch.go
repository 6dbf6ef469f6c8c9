package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danmuck/wsync/internal/filter"
	"github.com/danmuck/wsync/internal/logging"
	"github.com/danmuck/wsync/internal/observability"
	"github.com/danmuck/wsync/internal/protocol"
	"github.com/danmuck/wsync/internal/protocol/session"
	"github.com/spf13/cobra"
)

func newWatchCmd(opts *globalOptions) *cobra.Command {
	var (
		filterSrc   string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream workspace messages until interrupted",
		Long: `Connect to the workspace and print every inbound message. The session
reconnects with exponential backoff and stops on SIGINT or SIGTERM.

--filter takes an expr-lang expression over type, key, value, timestamp,
data and message; only matching messages are printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := filter.Compile(filterSrc)
			if err != nil {
				return err
			}
			client, err := newClient(cmd, opts)
			if err != nil {
				return err
			}

			if metricsAddr != "" {
				shutdown := serveMetrics(metricsAddr)
				defer shutdown()
			}

			log := logging.Component("syncctl")
			log.Info().Str("url", client.URL()).Str("filter", f.String()).Msg("watching workspace")
			client.OnStateChange(func(from, to session.State) {
				ev := log.Info()
				if to.Terminal() {
					ev = log.Warn()
				}
				ev.Str("from", from.String()).Str("to", to.String()).Msg("session state")
			})

			out := cmd.OutOrStdout()
			client.HandleFunc(func(msg protocol.Message) error {
				ok, err := f.Match(msg)
				if err != nil || !ok {
					return err
				}
				_, err = fmt.Fprintln(out, renderMessage(msg))
				return err
			})

			err = client.Connect(cmd.Context())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&filterSrc, "filter", "", "expr-lang expression selecting messages to print")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	return cmd
}

func serveMetrics(addr string) (shutdown func()) {
	log := logging.Component("metrics")
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
