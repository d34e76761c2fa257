package cmd

import (
	"fmt"
	"log"
	"path/filepath"

	"github.com/NanduBit/Discord-For-Bots/dashboard"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

var selfSignedDir string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and, optionally, a self-signed certificate for the API",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if cfg.DatabaseType == "" {
			log.Fatalf(
				"Environment variable %s_DATABASE_TYPE not set (must be one of: sqlite, postgres)",
				dashboard.DefaultEnvPrefix,
			)
		}
		if cfg.Database == "" {
			log.Fatalf(
				"Environment variable %s_DATABASE not set (must be a valid "+
					"database connection string or sqlite file path)",
				dashboard.DefaultEnvPrefix,
			)
		}

		handler := tint.NewHandler(
			cmd.ErrOrStderr(),
			&tint.Options{Level: cfg.DatabaseLogLevel},
		)
		db, err := dashboard.CreateDB(
			ctx,
			cfg.DatabaseType,
			cfg.Database,
			handler,
			cfg.DatabaseSlowThreshold,
		)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			defer func() {
				_ = sqlDB.Close()
			}()
		}
		fmt.Fprintln(out, "Database migrated.")

		if selfSignedDir != "" {
			certFile := filepath.Join(selfSignedDir, "cert.pem")
			keyFile := filepath.Join(selfSignedDir, "key.pem")
			if _, err = dashboard.GenerateSelfSignedCert(certFile, keyFile); err != nil {
				log.Fatalf("Error generating certificate: %v", err)
			}
			fmt.Fprintf(
				out,
				"Self-signed certificate written. Set %s_API_SSL_CERT=%s and %s_API_SSL_KEY=%s to use it.\n",
				dashboard.DefaultEnvPrefix, certFile,
				dashboard.DefaultEnvPrefix, keyFile,
			)
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the server with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(
		&selfSignedDir,
		"self-signed",
		"",
		"Directory to write a self-signed cert.pem and key.pem to",
	)
}
