package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/org-eventdance/webtransport/pkg/config"
	"github.com/org-eventdance/webtransport/pkg/logging"
	"github.com/org-eventdance/webtransport/pkg/longpoll"
	"github.com/org-eventdance/webtransport/pkg/peer"
	"github.com/org-eventdance/webtransport/pkg/validator/sqlite"
	"github.com/org-eventdance/webtransport/pkg/webtransport"
)

var (
	listenAddr  string
	validatorDB string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the transport server",
	Long:  `Run the Web Transport Server: negotiate a mechanism on /handshake and dispatch to the Long-Polling or WebSocket sub-transports.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if listenAddr != "" {
			cfg.Listen = listenAddr
		}
		if validatorDB != "" {
			cfg.ValidatorDBPath = validatorDB
		}

		log := logging.Global().WithComponent("transportd")

		// lpRef is resolved after the server constructs its Long-Polling
		// sub-transport, so the registry's parked-carrier check can reach
		// it without a separate construction phase.
		var lpRef *longpoll.Transport
		registry := peer.NewRegistry(
			peer.WithTimeouts(cfg.CleanupInterval, cfg.PeerTimeout),
			peer.WithParkedCarrierCheck(func(id string) bool {
				if lpRef == nil {
					return false
				}
				return lpRef.HasParkedGET(id)
			}),
		)

		server := webtransport.New(webtransport.Config{
			BasePath:          cfg.BasePath,
			EnableWebSocket:   cfg.EnableWebSocket,
			EnableLongPolling: cfg.EnableLongPolling,
			CORS: webtransport.CORSConfig{
				Allowlist:        cfg.CORS.Allowlist,
				Denylist:         cfg.CORS.Denylist,
				Default:          defaultPolicy(cfg.CORS.AllowByDefault),
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           cfg.CORS.MaxAgeSeconds,
			},
		}, registry)
		lpRef = server.LongPoll()

		store, err := sqlite.Open(cfg.ValidatorDBPath)
		if err != nil {
			return fmt.Errorf("open validator store: %w", err)
		}
		defer store.Close()
		server.AddValidator(store.Validator(webtransport.Accept))

		httpServer := &http.Server{
			Addr:    cfg.Listen,
			Handler: server.Router(),
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go func() {
			log.Info("serve: listening", logging.Fields{"addr": cfg.Listen, "base_path": cfg.BasePath})
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("serve: listener failed", logging.Fields{"err": err.Error()})
				cancel()
			}
		}()

		signalChan := make(chan os.Signal, 1)
		signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

		select {
		case <-signalChan:
			log.Info("serve: received shutdown signal", nil)
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	},
}

func defaultPolicy(allowByDefault bool) webtransport.OriginPolicy {
	if allowByDefault {
		return webtransport.PolicyAllowByDefault
	}
	return webtransport.PolicyDenyByDefault
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "address to listen on (overrides config)")
	serveCmd.Flags().StringVar(&validatorDB, "validator-db", "", "path to the peer allow/deny SQLite database (overrides config)")
	rootCmd.AddCommand(serveCmd)
}
