package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/custodia/custody"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "custodyd",
	Short: "Evidence custody and ledger-anchoring daemon",
	Long: `custodyd stores evidence files for investigation cases, anchors their
SHA-256 fingerprints on an external append-only ledger, and serves the
verification API that proves the files have not been altered since upload.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the evidence API server",
	RunE:  runServe,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.custodyd.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	serveCmd.Flags().String("listen", ":8085", "listen address")
	serveCmd.Flags().String("store-backend", "sqlite", "record store backend: sqlite or dir")
	serveCmd.Flags().String("store", "custody.db", "sqlite DSN, or directory path for the dir backend")
	serveCmd.Flags().String("ledger-url", "", "ledger gateway base URL (empty runs an in-process ledger)")
	serveCmd.Flags().Duration("submit-timeout", custody.DefaultSubmitTimeout, "bound on a single ledger submission")
	serveCmd.Flags().Int64("max-content-size", custody.DefaultMaxContentSize, "maximum evidence payload in bytes")
	serveCmd.Flags().String("tls-cert", "", "TLS certificate file (with tls-key, serves HTTPS)")
	serveCmd.Flags().String("tls-key", "", "TLS key file")
	serveCmd.Flags().StringSlice("admin-address", nil, "wallet addresses allowed to authenticate")
	_ = viper.BindPFlags(serveCmd.Flags())

	rootCmd.AddCommand(serveCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".custodyd")
	}

	viper.SetEnvPrefix("CUSTODY")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

func newLogger() (*zap.Logger, error) {
	if viper.GetBool("verbose") {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runServe(_ *cobra.Command, _ []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	var (
		store custody.RecordStore
		cases custody.CaseDirectory
	)
	switch backend := viper.GetString("store-backend"); backend {
	case "sqlite":
		st, err := custody.OpenSQLiteStore(viper.GetString("store"))
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		defer func() { _ = st.Close() }()
		store, cases = st, st
	case "dir":
		fs, err := custody.OpenFileStore(viper.GetString("store"))
		if err != nil {
			return fmt.Errorf("open file store: %w", err)
		}
		// The dir backend has no case table; cases live in memory for the
		// life of the process.
		store, cases = fs, custody.NewStaticCaseDirectory()
	default:
		return fmt.Errorf("unknown store backend %q", backend)
	}

	var ledger custody.LedgerClient
	if gatewayURL := viper.GetString("ledger-url"); gatewayURL != "" {
		ledger = custody.NewHTTPLedger(gatewayURL)
	} else {
		logger.Warn("no ledger gateway configured; anchoring to an in-process ledger")
		ledger = custody.NewMemoryLedger()
	}

	coord := custody.NewCoordinator(store, cases, ledger, custody.CoordinatorConfig{
		MaxContentSize: viper.GetInt64("max-content-size"),
		SubmitTimeout:  viper.GetDuration("submit-timeout"),
	}, logger)
	verifier := custody.NewVerifier(store, ledger, logger)

	srv := custody.NewServer(coord, verifier, store, cases, logger)
	if admins := viper.GetStringSlice("admin-address"); len(admins) > 0 {
		srv.SetIdentityProvider(custody.NewStaticIdentityProvider(admins...))
	}

	listen := viper.GetString("listen")
	cert, key := viper.GetString("tls-cert"), viper.GetString("tls-key")
	logger.Info("starting evidence API server",
		zap.String("listen", listen),
		zap.String("store_backend", viper.GetString("store-backend")),
		zap.Bool("tls", cert != "" && key != ""))
	if cert != "" && key != "" {
		return srv.ListenAndServeTLS(listen, cert, key)
	}
	return srv.ListenAndServe(listen)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
