package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/MarcoPoloResearchLab/doccollab/internal/auth"
	"github.com/MarcoPoloResearchLab/doccollab/internal/blobstore"
	"github.com/MarcoPoloResearchLab/doccollab/internal/cache"
	"github.com/MarcoPoloResearchLab/doccollab/internal/collab"
	"github.com/MarcoPoloResearchLab/doccollab/internal/config"
	"github.com/MarcoPoloResearchLab/doccollab/internal/database"
	"github.com/MarcoPoloResearchLab/doccollab/internal/events"
	"github.com/MarcoPoloResearchLab/doccollab/internal/logging"
	"github.com/MarcoPoloResearchLab/doccollab/internal/oplog"
	"github.com/MarcoPoloResearchLab/doccollab/internal/presence"
	"github.com/MarcoPoloResearchLab/doccollab/internal/server"
	"github.com/MarcoPoloResearchLab/doccollab/internal/snapshots"
	"github.com/MarcoPoloResearchLab/doccollab/internal/textot"
	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "docsync-api",
		Short: "Collaborative document sync service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, mysql)")
	flags.String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	flags.String("blob-root", defaults.GetString("blob.root"), "Directory holding snapshot blobs")
	flags.Int64("compaction-threshold", defaults.GetInt64("compaction.threshold"), "Edits between partial compactions")
	flags.Int("compaction-workers", defaults.GetInt("compaction.workers"), "Background compaction workers")
	flags.String("kafka-brokers", defaults.GetString("kafka.brokers"), "Comma separated Kafka brokers for room-closed events")
	flags.String("kafka-topic", defaults.GetString("kafka.topic"), "Kafka topic for room-closed events")
	flags.String("redis-address", defaults.GetString("redis.address"), "Redis address for the presence mirror")
	flags.String("signing-secret", "", "Session token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "blob.root", "blob-root")
	bindFlag(cmd, "compaction.threshold", "compaction-threshold")
	bindFlag(cmd, "compaction.workers", "compaction-workers")
	bindFlag(cmd, "kafka.brokers", "kafka-brokers")
	bindFlag(cmd, "kafka.topic", "kafka-topic")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newIssueTokenCommand() *cobra.Command {
	var displayName string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "issue-token <subject>",
		Short: "Print a session token for local testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if !appConfig.SessionTokensEnabled() {
				return fmt.Errorf("auth.signing_secret is required to issue tokens")
			}
			issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				Issuer:        appConfig.AuthIssuer,
				TokenTTL:      ttl,
			})
			token, _, err := issuer.IssueSessionToken(args[0], displayName)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&displayName, "display-name", "", "Display name embedded in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		DSN:    appConfig.DatabaseDSN,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	logStore, err := oplog.NewStore(db)
	if err != nil {
		return err
	}
	snapshotStore, err := snapshots.NewStore(db)
	if err != nil {
		return err
	}
	blobs, err := blobstore.NewStore(blobstore.Config{
		Filesystem: afero.NewOsFs(),
		Root:       appConfig.BlobRoot,
		IDProvider: blobstore.NewUUIDProvider(),
	})
	if err != nil {
		return err
	}

	var publisher events.Publisher = events.NewLogPublisher(logger)
	if len(appConfig.KafkaBrokers) > 0 {
		producerConfig := sarama.NewConfig()
		producerConfig.Producer.Return.Successes = true
		producerConfig.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(appConfig.KafkaBrokers, producerConfig)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()
		dispatcher, err := events.NewKafkaDispatcher(producer, appConfig.KafkaTopic, events.KafkaDispatcherOptions{
			MaxRetry:    appConfig.Compaction.MaxRetry,
			BaseBackoff: appConfig.Compaction.BaseBackoff,
			MaxBackoff:  appConfig.Compaction.MaxBackoff,
		}, logger)
		if err != nil {
			return err
		}
		defer dispatcher.Close()
		publisher = dispatcher
	}

	collabService, err := collab.NewService(collab.ServiceConfig{
		LogStore:      logStore,
		SnapshotStore: snapshotStore,
		BlobStore:     blobs,
		Publisher:     publisher,
		Model:         textot.Model{},
		Transformer:   textot.Engine{},
		Compaction: collab.CompactionOptions{
			Threshold:   appConfig.Compaction.Threshold,
			QueueSize:   appConfig.Compaction.QueueSize,
			Workers:     appConfig.Compaction.Workers,
			MaxRetry:    appConfig.Compaction.MaxRetry,
			BaseBackoff: appConfig.Compaction.BaseBackoff,
			MaxBackoff:  appConfig.Compaction.MaxBackoff,
		},
		Clock:  time.Now,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer collabService.Close()

	hub := server.NewRealtimeHub()
	var directory *cache.RedisPresence
	managerConfig := presence.ManagerConfig{
		Transport: hub,
		Closer:    collabService,
		Logger:    logger,
	}
	if appConfig.RedisAddress != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable; presence mirror will retry per update", zap.Error(err))
		}
		mirror, err := cache.NewRedisPresence(rdb, appConfig.PresenceTTL)
		if err != nil {
			return err
		}
		managerConfig.Mirror = mirror
		directory = mirror
	}
	presenceManager, err := presence.NewManager(managerConfig)
	if err != nil {
		return err
	}

	dependencies := server.Dependencies{
		CollabService: collabService,
		Presence:      presenceManager,
		Realtime:      hub,
		Logger:        logger,
	}
	if appConfig.SessionTokensEnabled() {
		validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
			SigningSecret: []byte(appConfig.AuthSigningSecret),
			Issuer:        appConfig.AuthIssuer,
			CookieName:    appConfig.AuthCookieName,
		})
		if err != nil {
			return err
		}
		dependencies.SessionValidator = validator
	}
	if directory != nil {
		dependencies.PresenceDirectory = directory
	}

	handler, err := server.NewHTTPHandler(dependencies)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
