package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spigell/service-exchange/internal/ai"
	"github.com/spigell/service-exchange/internal/ai/gemini"
	"github.com/spigell/service-exchange/internal/api"
	"github.com/spigell/service-exchange/internal/auth"
	"github.com/spigell/service-exchange/internal/capability"
	"github.com/spigell/service-exchange/internal/geo"
	"github.com/spigell/service-exchange/internal/lifecycle"
	"github.com/spigell/service-exchange/internal/market"
	"github.com/spigell/service-exchange/internal/matching"
	"github.com/spigell/service-exchange/internal/secrets"
	"github.com/spigell/service-exchange/internal/seats"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the exchange HTTP API",
	Run: func(_ *cobra.Command, _ []string) {
		serve()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve() {
	logger, config := setup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting the exchange", zap.String("version", version))

	st, locker, err := openStore(ctx, &config.Storage, logger)
	if err != nil {
		logger.Fatal("opening storage", zap.Error(err))
	}
	defer st.Close()

	var geocoder geo.Geocoder
	if config.Geocoding.Enabled {
		geocoder = geo.NewNominatim(logger, config.Geocoding.URL, config.Geocoding.UserAgent, config.Geocoding.Timeout)
	}

	classifier, err := newClassifier(ctx, &config.Capability.AI, logger)
	if err != nil {
		logger.Warn("capability classifier disabled, using keyword matching", zap.Error(err))
	}

	mdeps := &market.Deps{
		Store:    st,
		Locker:   locker,
		Geocoder: geocoder,
		Logger:   logger,
	}
	accounts := market.NewAccountRegistry(mdeps)
	bids := market.NewBidRegistry(mdeps, accounts)
	jobs := market.NewJobRegistry(mdeps)

	matcher := capability.NewMatcher(classifier, &capability.Config{
		KeywordThreshold: config.Capability.KeywordThreshold,
		Timeout:          config.Capability.Timeout,
		MaxTokens:        config.Capability.AI.Gemini.MaxTokens,
		Temperature:      config.Capability.AI.Gemini.Temperature,
		TrustNo:          config.Capability.TrustNo,
		MaxLogLength:     config.Capability.AI.Gemini.MaxLogLength,
	}, logger)

	engineDeps := &matching.Deps{
		Accounts: accounts,
		Bids:     bids,
		Jobs:     jobs,
		Matcher:  matcher,
		Geocoder: geocoder,
		Logger:   logger,
	}

	if config.Seats.Enabled {
		table, err := seats.Load(config.Seats.File, logger)
		if err != nil {
			logger.Fatal("loading seats", zap.Error(err))
		}
		engineDeps.Authorizer = table
		go reloadSeatsOnHangup(ctx, table, logger)
	}

	engine := matching.New(&matching.Config{
		DefaultMaxDistance: config.Matching.DefaultMaxDistance,
		TieBucketWidth:     config.Matching.TieBucketWidth,
		MaxCommitAttempts:  config.Matching.MaxCommitAttempts,
		IncludeOwnBids:     config.Matching.IncludeOwnBids,
	}, engineDeps)

	manager := lifecycle.New(&lifecycle.Config{RejectGrace: config.Matching.RejectGrace}, &lifecycle.Deps{
		Accounts: accounts,
		Bids:     bids,
		Jobs:     jobs,
		Locker:   locker,
		Logger:   logger,
	})

	server := api.New(&config.Server, &api.Deps{
		Auth:      auth.New(&auth.Config{TokenTTL: config.Auth.TokenTTL}, st, accounts, logger),
		Accounts:  accounts,
		Bids:      bids,
		Jobs:      jobs,
		Engine:    engine,
		Lifecycle: manager,
		Logger:    logger,
	})

	errc := make(chan error, 1)
	go func() {
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if err != nil {
			logger.Fatal("serving", zap.Error(err))
		}
		return
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newClassifier(ctx context.Context, cfg *AIConfig, logger *zap.Logger) (ai.Classifier, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	provider := strings.TrimSpace(strings.ToLower(cfg.Provider))
	if provider != "" && provider != "gemini" {
		return nil, fmt.Errorf("unsupported ai provider: %s", cfg.Provider)
	}

	apiKey, err := secrets.Load(secrets.Source{
		Name: "gemini api key",
		File: cfg.Gemini.APIKeyFile,
		Env:  "GEMINI_API_KEY",
	})
	if err != nil {
		return nil, fmt.Errorf("%w (set capability.ai.gemini.api-key-file)", err)
	}

	generator, err := gemini.NewGenerator(ctx, apiKey, cfg.Gemini.Model, cfg.Gemini.MaxRetries, logger)
	if err != nil {
		return nil, err
	}
	return generator, nil
}

func reloadSeatsOnHangup(ctx context.Context, table *seats.Table, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := table.Reload(); err != nil {
				logger.Error("reloading seats, keeping the previous table", zap.Error(err))
			}
		}
	}
}
