package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haivivi/charcore/pkg/cli"
	"github.com/haivivi/charcore/pkg/core"
	"github.com/haivivi/charcore/pkg/kv"
	"github.com/haivivi/charcore/pkg/server"
)

var (
	flagAddr  string
	flagStore string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job scheduler and the HTTP API",
	Long: `Run the job scheduler and serve the HTTP API.

The configuration file is applied at start: remote operation servers are
probed and every configured operation is loaded. Failures are logged and
the server starts anyway, so a config_load job can fix them.

Named configurations are kept in the store, a Badger database under
~/.charcore/data by default.

Example:
  charcore serve --addr :8080 --store memory://`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagAddr, "addr", ":8080", "HTTP listen address")
	serveCmd.Flags().StringVar(&flagStore, "store", "", "config store URL, badger://<dir> or memory:// (default ~/.charcore/data)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger(cmd)

	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	if path != "" {
		logger.Info("config file loaded", "path", path)
	}

	storeURL := flagStore
	if storeURL == "" {
		paths, err := cli.NewPaths()
		if err != nil {
			return err
		}
		if err := paths.EnsureDataDir(); err != nil {
			return err
		}
		storeURL = paths.StoreURL()
	}
	store, err := kv.Open(storeURL, logger)
	if err != nil {
		return err
	}

	c, err := core.New(core.Options{Config: &cfg, Store: store, Logger: logger})
	if err != nil {
		store.Close()
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Apply(ctx); err != nil {
		logger.Warn("initial configuration not fully applied", "error", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              flagAddr,
		Handler:           server.New(c, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", flagAddr, "store", storeURL)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			stop()
			<-done
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	<-done
	return nil
}
