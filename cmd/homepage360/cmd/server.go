package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/homepage360/api"
	"github.com/jmcleod/homepage360/config"
	bboltstorage "github.com/jmcleod/homepage360/storage/bbolt"
	"github.com/jmcleod/homepage360/users"
	"github.com/jmcleod/homepage360/web"
)

var (
	configPath       string
	port             int
	publicDir        string
	usersFile        string
	usersDB          string
	tlsCert          string
	tlsKey           string
	metricsAddr      string
	requireSignature bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the dashboard server",
	Long: `Serves the dashboard, the session-authenticated read API and the
agent ingestion endpoint. The agent API key is read from MONITOR_API_KEY
(and MONITOR_API_KEY_PREVIOUS during a rotation).`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	serverCmd.Flags().IntVarP(&port, "port", "p", 3000, "Port to listen on")
	serverCmd.Flags().StringVar(&publicDir, "public-dir", "./public", "Directory holding the dashboard files")
	serverCmd.Flags().StringVar(&usersFile, "users-file", "./users.json", "Path to the users.json credential file")
	serverCmd.Flags().StringVar(&usersDB, "users-db", "", "Path to a bbolt credential database (replaces --users-file)")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
	serverCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address for a separate Prometheus /metrics listener")
	serverCmd.Flags().BoolVar(&requireSignature, "require-signature", false, "Reject status reports without an HMAC signature")
}

// applyServerFlags overlays explicitly set flags on cfg.
func applyServerFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = port
	}
	if flags.Changed("public-dir") {
		cfg.PublicDir = publicDir
	}
	if flags.Changed("users-file") {
		cfg.UsersFile = usersFile
	}
	if flags.Changed("users-db") {
		cfg.UsersDB = usersDB
	}
	if flags.Changed("tls-cert") {
		cfg.TLS.Cert = tlsCert
	}
	if flags.Changed("tls-key") {
		cfg.TLS.Key = tlsKey
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = metricsAddr
	}
	if flags.Changed("require-signature") {
		cfg.Ingest.RequireSignature = requireSignature
	}
}

// openUserStore picks the bbolt store when a database is configured and
// the users.json file otherwise. The returned close func is never nil.
func openUserStore(cfg *config.Config) (users.Store, func() error, error) {
	if cfg.UsersDB == "" {
		return users.NewFileStore(cfg.UsersFile), func() error { return nil }, nil
	}
	repo, err := bboltstorage.NewRepositoryFromFile(cfg.UsersDB, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open user database: %w", err)
	}
	return users.NewRepoStore(repo), repo.Close, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	defer memguard.Purge()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyServerFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	keys, err := cfg.KeySet()
	if err != nil {
		return err
	}
	defer keys.Destroy()
	store, closeStore, err := openUserStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	hasher, err := users.NewHasher(users.DefaultCost)
	if err != nil {
		return err
	}
	opts, err := cfg.APIOptions(logger)
	if err != nil {
		return err
	}
	opts = append(opts, api.WithHasher(hasher))

	a, err := api.New(store, keys, opts...)
	if err != nil {
		return fmt.Errorf("failed to initialize API: %w", err)
	}
	defer a.Close()

	webHandler, err := web.Handler(os.DirFS(cfg.PublicDir), a.AuthMiddleware)
	if err != nil {
		return fmt.Errorf("failed to load dashboard from %s: %w", cfg.PublicDir, err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(api.SecurityHeaders)
	r.Mount("/api", a.Router())
	r.Handle("/*", webHandler)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if cfg.TLS.Enabled() {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.Cert, cfg.TLS.Key)
		if err != nil {
			return fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.MetricsHandler())
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	stopMaintenance := a.StartMaintenance(ctx)
	defer stopMaintenance()

	done := make(chan error, 2)
	go func() {
		var err error
		if server.TLSConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()
	if metricsServer != nil {
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("metrics server failed: %w", err)
			}
		}()
	}

	printBanner(os.Stdout, "Dashboard Server")
	logger.Info("server started",
		"addr", cfg.Addr(),
		"tls", cfg.TLS.Enabled(),
		"public_dir", cfg.PublicDir,
		"secure_cookies", cfg.Production || cfg.Session.CookieSecure,
		"key_rotation", keys.Rotating(),
		"bcrypt_cost", hasher.Cost(),
		"require_signature", cfg.Ingest.RequireSignature,
		"metrics_addr", cfg.MetricsAddr,
	)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if metricsServer != nil {
			metricsServer.Shutdown(shutdownCtx)
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-done:
		return err
	}
}
