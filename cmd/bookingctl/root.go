package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/iliyamo/option-booking/internal/app"
	"github.com/iliyamo/option-booking/internal/config"
	"github.com/iliyamo/option-booking/internal/database"
	"github.com/iliyamo/option-booking/internal/ledger"
	"github.com/iliyamo/option-booking/internal/queue"
	"github.com/iliyamo/option-booking/internal/revalidation"
)

var rootCmd = &cobra.Command{
	Use:           "bookingctl",
	Short:         "Administer the option booking store",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "config file (default .bookingctl.yaml)")
	pf.String("db-driver", "sqlite", "store driver: mysql or sqlite")
	pf.String("sqlite-path", "data/booking.db", "sqlite database file")
	pf.String("db-dsn", "", "mysql user:pass@tcp(host:port)/name, overrides the DB_* parts")
	pf.String("redis-addr", "", "redis host:port used to release debounce keys")
	pf.String("rabbitmq-url", "", "publish answer events of retractions here (default: drop them)")
	pf.Duration("revalidation-delay", revalidation.DefaultDelay, "delay of scheduled revalidations")

	for _, name := range []string{"db-driver", "sqlite-path", "db-dsn", "redis-addr", "rabbitmq-url", "revalidation-delay"} {
		_ = viper.BindPFlag(strings.ReplaceAll(name, "-", "_"), pf.Lookup(name))
	}
}

func initConfig() {
	_ = godotenv.Load()
	if cfgFile, _ := rootCmd.Flags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(".bookingctl")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
	}
	viper.SetEnvPrefix("BOOKING")
	viper.AutomaticEnv()

	// A missing config file is fine; flags and env carry defaults.
	_ = viper.ReadInConfig()
}

// storeOptions builds database options from viper.  A DSN takes
// precedence over the DB_* parts.
func storeOptions() (database.Options, error) {
	opts := database.Options{
		Driver:     database.Dialect(strings.ToLower(viper.GetString("db_driver"))),
		SQLitePath: viper.GetString("sqlite_path"),
	}
	if opts.Driver != database.MySQL {
		return opts, nil
	}
	dsn := viper.GetString("db_dsn")
	if dsn == "" {
		return opts, fmt.Errorf("--db-dsn (or BOOKING_DB_DSN) is required for mysql")
	}
	return database.ParseMySQLDSN(dsn)
}

// openServices opens and migrates the store and wires the services.  The
// returned func releases everything.
func openServices(ctx context.Context) (*app.Services, func(), error) {
	opts, err := storeOptions()
	if err != nil {
		return nil, nil, err
	}
	db, dialect, err := database.Open(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	if err := database.Migrate(ctx, db, dialect); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	var debouncer revalidation.Debouncer
	closeRedis := func() {}
	if addr := viper.GetString("redis_addr"); addr != "" {
		if rdb := config.NewRedisClient(config.RedisConfig{Addr: addr}); rdb != nil {
			debouncer = revalidation.NewRedisDebouncer(rdb)
			closeRedis = func() { _ = rdb.Close() }
		}
	}
	var sink ledger.EventSink = queue.Discard{}
	closeSink := func() {}
	if url := viper.GetString("rabbitmq_url"); url != "" {
		publisher := queue.NewPublisher(url)
		sink = publisher
		closeSink = func() { _ = publisher.Close() }
	}
	svc := app.New(db, dialect, sink, debouncer, app.Options{
		RevalidationDelay: viper.GetDuration("revalidation_delay"),
	})
	return svc, func() {
		closeSink()
		closeRedis()
		_ = db.Close()
	}, nil
}
