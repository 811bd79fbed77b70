// Copyright (C) 2026 ICCT Registry Authors.
// See LICENSE for copying information.

package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/icctcup/registry/internal/retry"
	"github.com/icctcup/registry/registry"
	"github.com/icctcup/registry/registry/objectstore"
	"github.com/icctcup/registry/registry/registration"
	"github.com/icctcup/registry/registry/registrationdb"
)

var (
	rootCmd = &cobra.Command{
		Use:   "registry",
		Short: "ICCT tournament registration service",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the registration service",
		RunE:  cmdRun,
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create config directory and database tables",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}

	confDir string
	devMode bool
)

func init() {
	bindFlags(rootCmd.PersistentFlags())
	cobra.CheckErr(viper.BindPFlags(rootCmd.PersistentFlags()))
	viper.SetEnvPrefix("registry")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
}

func bindFlags(flags *pflag.FlagSet) {
	flags.StringVar(&confDir, "config-dir", "~/.registry", "main directory for registry configuration")
	flags.BoolVar(&devMode, "dev", false, "use development logging")

	flags.String("database.url", "postgres://localhost/registry?sslmode=disable", "postgres connection string")
	flags.String("web.address", ":8080", "public http listening address")
	flags.String("admin.address", ":8443", "admin http listening address")
	flags.String("admin.authorization-token", "", "token required on admin requests")
	flags.String("mail.auth-type", "simulate", "smtp authentication type (simulate or plain)")
	flags.String("mail.smtp-server-address", "", "smtp server address")
	flags.String("mail.from", "", "sender email address")
	flags.String("store.dir", "", "directory holding uploaded artifacts")
	flags.String("store.base-url", "http://localhost:8080/artifacts", "public base url objects are served under")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openLog() (*zap.Logger, error) {
	if devMode {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func configDir() (string, error) {
	dir, err := homedir.Expand(confDir)
	if err != nil {
		return "", errs.Wrap(err)
	}
	return dir, nil
}

// loadConfig assembles the peer config from defaults, the config file in the
// config directory, environment and flags, in ascending precedence.
func loadConfig(dir string) (registry.Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(dir)
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return registry.Config{}, errs.Wrap(err)
		}
	}

	config := defaultConfig(dir)

	setString(&config.Database.URL, "database.url")
	setString(&config.Web.Address, "web.address")
	setString(&config.Admin.Address, "admin.address")
	setString(&config.Admin.AuthorizationToken, "admin.authorization-token")
	setString(&config.Mail.AuthType, "mail.auth-type")
	setString(&config.Mail.SMTPServerAddress, "mail.smtp-server-address")
	setString(&config.Mail.From, "mail.from")
	setString(&config.Mail.Login, "mail.login")
	setString(&config.Mail.Password, "mail.password")
	setString(&config.Store.Dir, "store.dir")
	setString(&config.Store.BaseURL, "store.base-url")
	setString(&config.Registration.TeamIDPrefix, "registration.team-id-prefix")
	setInt(&config.Registration.MaxTeamsPerChurch, "registration.max-teams-per-church")
	setBool(&config.Registration.RevealTeamID, "registration.reveal-team-id")
	setDuration(&config.Registration.EndToEndDeadline, "registration.end-to-end-deadline")
	setDuration(&config.Registration.IdempotencyTTL, "registration.idempotency-ttl")
	setDuration(&config.Cleanup.Interval, "cleanup.interval")

	if strings.Contains(config.Store.Dir, "$CONFDIR") {
		config.Store.Dir = strings.ReplaceAll(config.Store.Dir, "$CONFDIR", dir)
	}
	config.Web.ArtifactsDir = config.Store.Dir
	return config, nil
}

func setString(target *string, key string) {
	if value := viper.GetString(key); value != "" {
		*target = value
	}
}

func setInt(target *int, key string) {
	if viper.IsSet(key) {
		*target = viper.GetInt(key)
	}
}

func setBool(target *bool, key string) {
	if viper.IsSet(key) {
		*target = viper.GetBool(key)
	}
}

func setDuration(target *time.Duration, key string) {
	if viper.IsSet(key) {
		*target = viper.GetDuration(key)
	}
}

func defaultConfig(dir string) registry.Config {
	var config registry.Config

	config.Database = registrationdb.Config{
		URL:             "postgres://localhost/registry?sslmode=disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		StatementTime:   10 * time.Second,
	}
	config.Store = objectstore.DiskConfig{
		Dir:     filepath.Join(dir, "artifacts"),
		BaseURL: "http://localhost:8080/artifacts",
	}
	config.Uploader = objectstore.UploaderConfig{
		Concurrency: 5,
		Retry:       retry.DefaultPolicy,
	}
	config.Registration = registration.Config{
		TeamIDPrefix:      "ICCT",
		MaxTeamsPerChurch: 2,
		InsertRetries:     5,
		IdempotencyTTL:    24 * time.Hour,
		EndToEndDeadline:  60 * time.Second,
	}
	config.Mail.AuthType = "simulate"
	config.Mail.QueueSize = 256
	config.Mail.Workers = 2
	config.Cleanup.Interval = time.Hour
	config.Web.Address = ":8080"
	config.Web.MaxBodyBytes = 128 << 20
	config.Admin.Address = ":8443"
	return config
}

func cmdRun(cmd *cobra.Command, args []string) error {
	log, err := openLog()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	dir, err := configDir()
	if err != nil {
		return err
	}
	config, err := loadConfig(dir)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := registrationdb.Open(ctx, log.Named("db"), config.Database)
	if err != nil {
		return errs.New("error connecting to database: %+v", err)
	}
	defer func() { _ = db.Close() }()

	store, err := objectstore.NewDiskStore(log.Named("store"), config.Store)
	if err != nil {
		return errs.New("error opening object store: %+v", err)
	}

	peer, err := registry.New(log, db, store, config)
	if err != nil {
		return err
	}

	runErr := peer.Run(ctx)
	closeErr := peer.Close()
	return errs.Combine(runErr, closeErr)
}

func cmdSetup(cmd *cobra.Command, args []string) error {
	log, err := openLog()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	dir, err := configDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errs.Wrap(err)
	}
	config, err := loadConfig(dir)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := registrationdb.Open(ctx, log.Named("db"), config.Database)
	if err != nil {
		return errs.New("error connecting to database: %+v", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.CreateTables(ctx); err != nil {
		return errs.New("error creating tables: %+v", err)
	}
	if err := db.ReconcileSequence(ctx); err != nil {
		return errs.New("error reconciling team sequence: %+v", err)
	}

	fmt.Println("setup complete:", dir)
	return nil
}
