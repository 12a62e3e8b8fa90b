package cmd

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/syoslabs/gatehouse/api"
	"github.com/syoslabs/gatehouse/internal/config"
	"github.com/syoslabs/gatehouse/internal/util"
	"github.com/syoslabs/gatehouse/provider"
	"github.com/syoslabs/gatehouse/ratelimit"
	"github.com/syoslabs/gatehouse/seal"
	"github.com/syoslabs/gatehouse/store"
	bboltstore "github.com/syoslabs/gatehouse/store/bbolt"
	"github.com/syoslabs/gatehouse/store/memory"
)

var (
	listenAddr string
	dbPath     string
	tlsCert    string
	tlsKey     string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the session gateway server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if listenAddr != "" {
			cfg.ListenAddr = listenAddr
		}
		if dbPath != "" {
			cfg.DBPath = dbPath
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: logLevel(cfg.LogLevel),
		}))

		sealer, err := seal.New(cfg.MasterKey, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize sealer: %w", err)
		}

		masterKey, err := hex.DecodeString(cfg.MasterKey)
		if err != nil {
			return fmt.Errorf("invalid master key: %w", err)
		}
		cookieKey := util.DeriveHKDF(masterKey, "gatehouse-cookie-signing", 32)

		var stores store.Stores
		if cfg.DBPath != "" {
			db, err := bboltstore.Open(cfg.DBPath, nil)
			if err != nil {
				return fmt.Errorf("failed to open session storage: %w", err)
			}
			defer db.Close()
			stores = db.Stores()
		} else {
			logger.Warn("no database path configured, sessions will not survive restart")
			stores = memory.Stores()
		}

		prov, err := provider.NewHTTP(cmd.Context(), provider.Config{
			Issuer:       cfg.ProviderIssuer,
			BaseURL:      cfg.ProviderBaseURL,
			ClientID:     cfg.ProviderClientID,
			ClientSecret: cfg.ProviderClientSecret,
			RedirectURI:  cfg.ProviderRedirectURI,
		})
		if err != nil {
			return fmt.Errorf("failed to configure identity provider: %w", err)
		}

		opts := []api.Option{
			api.WithLogger(logger),
			api.WithCookieDomain(cfg.CookieDomain),
		}
		if !cfg.CookieSecure {
			opts = append(opts, api.WithInsecureCookies())
		}
		if cfg.RedisAddr != "" {
			client := redis.NewClient(&redis.Options{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
			})
			defer client.Close()
			opts = append(opts, api.WithLimiter(ratelimit.NewRedisLimiter(client)))
		}
		if len(cfg.TrustedProxies) > 0 {
			prefixes, err := parsePrefixes(cfg.TrustedProxies)
			if err != nil {
				return fmt.Errorf("invalid trusted proxy list: %w", err)
			}
			opts = append(opts, api.WithTrustedProxies(prefixes))
		}

		a := api.New(stores, sealer, prov, cookieKey, opts...)

		r := chi.NewRouter()
		r.Use(chimiddleware.Logger)

		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})
		r.Mount("/", a.Router())

		server := &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		serve := server.ListenAndServe
		if tlsCert != "" && tlsKey != "" {
			cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			server.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
			serve = func() error { return server.ListenAndServeTLS("", "") }
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		fmt.Printf("Listening on %s\n", cfg.ListenAddr)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parsePrefixes(specs []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(specs))
	for _, s := range specs {
		if p, err := netip.ParsePrefix(s); err == nil {
			out = append(out, p)
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("%q is not a CIDR range or IP address", s)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "Bind address (overrides GATEHOUSE_LISTEN_ADDR)")
	serverCmd.Flags().StringVar(&dbPath, "db", "", "Session database file (overrides GATEHOUSE_DB_PATH)")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
}
