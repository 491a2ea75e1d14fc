package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/lookout/internal/config"
	"github.com/andresmejia3/lookout/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Options holds shared configuration for the frame-processing commands
type Options struct {
	InputPath     string
	OutputPath    string
	ReferencePath string
	NthFrame      int
	NumEngines    int
	Threshold     float64
	Ratio         float64
	Confidence    float64
	Matcher       string
	WorkerTimeout string
}

var (
	// Cfg is the loaded configuration (defaults < lookout.yaml < env < flags)
	Cfg *config.Config
	// DB is the journal, opened on demand by commands that need it
	DB *store.Store
	// Log carries per-frame diagnostics; silent unless --verbose
	Log *slog.Logger

	cfgPath string
	dbURL   string
	verbose bool
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "lookout",
	Short:   "Live person re-identification against a captured reference",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if dbURL != "" {
			Cfg.Database.URL = dbURL
		}

		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		Log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
		}
	},
}

// openDB connects the journal. Commands that only optionally journal check
// Cfg.Database.URL first.
func openDB(ctx context.Context) error {
	if DB != nil {
		return nil
	}
	if Cfg.Database.URL == "" {
		return fmt.Errorf("no database configured (use --db or set POSTGRES_HOST)")
	}
	var err error
	DB, err = store.New(ctx, Cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	return nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initEnv)
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to config file (default: ./lookout.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string for the journal (default: from POSTGRES_* env)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log per-frame diagnostics to stderr")
}

func initEnv() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}
