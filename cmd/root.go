package cmd

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var BuildVersion = "dev"

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "openguard",
	Short: "OpenGuard CLI",
	Long:  "CLI for OpenGuard access-control operations.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error). Can also be set via OPENGUARD_LOG_LEVEL.")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number of OpenGuard CLI",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("%s\n", BuildVersion)
		},
	})
}

func Execute() error {
	return rootCmd.Execute()
}

// newLogger builds a production zap logger behind logr. The returned flush
// function syncs buffered entries.
func newLogger() (logr.Logger, func(), error) {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	level := logLevel
	if level == "" {
		level = lookupEnv("OPENGUARD_LOG_LEVEL")
	}
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return logr.Logger{}, nil, err
		}
		config.Level.SetLevel(parsed)
	}

	zapLogger, err := config.Build()
	if err != nil {
		return logr.Logger{}, nil, err
	}
	return zapr.NewLogger(zapLogger), func() { _ = zapLogger.Sync() }, nil
}
