package cmd

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/remindmeorg/remindbot/config"
	"github.com/remindmeorg/remindbot/database"
	"github.com/remindmeorg/remindbot/dispatch"
	"github.com/remindmeorg/remindbot/ingest"
	"github.com/remindmeorg/remindbot/service"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func init() {
	rootCmd.AddCommand(serverCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Runs the remindbot server",
	Long:  `Runs the remindbot server`,
	Run: func(cmd *cobra.Command, args []string) {

		cfg := config.FromEnvfile()

		log.SetLevel(cfg.LogLevel)

		switch cfg.LogFormat {
		case config.LogFormatJSON:
			log.SetFormatter(&log.JSONFormatter{})
		default:
			log.SetFormatter(&log.TextFormatter{})
		}

		if cfg.TestModeEnabled {
			log.Info("TEST MODE ENABLED")
		}

		awsConfig, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			log.Fatal(err)
		}
		secretsManagerClient := secretsmanager.NewFromConfig(awsConfig)

		databaseURL := cfg.PostgresURL
		if databaseURL == "" {
			// Get the DB secrets from AWS Secrets Manager
			result, err := secretsManagerClient.GetSecretValue(context.Background(), &secretsmanager.GetSecretValueInput{SecretId: aws.String(cfg.PostgresSecretPath)})
			if err != nil {
				log.Fatal(err.Error())
			}
			var pgSecrets config.PostgresSecretData
			err = json.Unmarshal([]byte(*result.SecretString), &pgSecrets)
			if err != nil {
				log.Fatalf("postgres secrets read error: %v", err)
			}
			databaseURL = pgSecrets.ConnectionString
		}

		/*
			Graceful shutdown is possible with errgroup + signal.NotifyContext
			NotifyContext returns a context that will close on OS signals to terminate the process
			errgroup uses that context, and also closes it in case a goroutine errors out
		*/
		ctx, done := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGKILL)
		defer done()
		g, gCtx := errgroup.WithContext(ctx)

		twitterService := service.NewTwitterService(gCtx, cfg, secretsManagerClient)

		database := database.NewDatabase(databaseURL)
		if err = database.Connect(gCtx); err != nil {
			log.Fatalf("error connecting to database: %v", err)
		}
		defer database.Disconnect()

		ingestor := ingest.NewIngestor(
			twitterService,
			database,
			cfg.Reminder.MaxDuration,
			cfg.Reminder.MentionCheckInterval,
			cfg.TestModeEnabled,
		)

		dispatcher := dispatch.NewDispatcher(
			database,
			twitterService,
			cfg.Reminder.MaxDeliveryAttempts,
			cfg.Reminder.DeliveryBackoffBase,
			cfg.Reminder.DispatchInterval,
			cfg.TestModeEnabled,
		)

		// A tick is stale once three intervals pass without one completing
		staleAfter := 3 * cfg.Reminder.MentionCheckInterval
		if 3*cfg.Reminder.DispatchInterval > staleAfter {
			staleAfter = 3 * cfg.Reminder.DispatchInterval
		}
		healthchecker := service.NewHealthchecker(cfg.HealthcheckPort, database, cfg.Twitter.BotUserName, staleAfter)

		g.Go(func() error {
			defer log.Info("exiting ingestor")
			return ingestor.Run(gCtx)
		})

		g.Go(func() error {
			defer log.Info("exiting dispatcher")
			return dispatcher.Run(gCtx)
		})

		// For deployed instances, provide a basic healthcheck endpoint to show it's online
		g.Go(func() error {
			if err := healthchecker.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		// ...and shut down the server if the bot needs to terminate
		g.Go(func() error {
			<-gCtx.Done()
			defer log.Info("exiting healthchecker")
			return healthchecker.Server.Shutdown(context.Background())
		})

		err = g.Wait()
		if err != nil {
			log.Errorf("caught error: %v", err)
		}
	},
}
