package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/contavoto/fieldsync/internal/config"
	"github.com/contavoto/fieldsync/internal/remote"
	"github.com/contavoto/fieldsync/internal/remote/server"
	"github.com/contavoto/fieldsync/internal/ui"
)

var remoteCmd = &cobra.Command{
	Use:     "remote",
	GroupID: "advanced",
	Short:   "Run a central store for development",
}

var remoteServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the remote store REST API",
	Long: `Serve the REST API the http remote kind talks to, backed by a SQLite file
(or libSQL/Turso with --driver libsql) or, with --memory, by process memory.

Point devices at it with:
  fieldsync --remote http --remote-url http://HOST:8780 sync`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := interruptContext(cmd.Context())
		defer cancel()

		addr, _ := cmd.Flags().GetString("addr")
		driver, _ := cmd.Flags().GetString("driver")
		dsn, _ := cmd.Flags().GetString("db")
		inMemory, _ := cmd.Flags().GetBool("memory")
		token, _ := cmd.Flags().GetString("token")
		publicURL, _ := cmd.Flags().GetString("public-url")
		if dsn == "" {
			dsn = filepath.Join(config.DataDir(), "remote.db")
		}

		var backend server.Backend
		if inMemory {
			backend = remote.NewMemory(remote.MemoryConfig{})
		} else {
			s, err := remote.OpenSQL(ctx, driver, dsn, remote.SQLConfig{})
			if err != nil {
				return err
			}
			defer s.Close()
			backend = s
			fmt.Fprintf(cmd.OutOrStdout(), "   Database: %s (%s)\n", dsn, driver)
		}

		srv := server.New(backend, server.Config{
			Token:     token,
			PublicURL: publicURL,
			Logger:    app.Logs.Logger("remote"),
		})
		fmt.Fprintf(cmd.OutOrStdout(), "%s Remote store on %s\n", ui.RenderAccent("🌐"), addr)
		return srv.ListenAndServe(ctx, addr)
	},
}

func init() {
	remoteServeCmd.Flags().String("addr", ":8780", "Listen address")
	remoteServeCmd.Flags().String("driver", "sqlite3", "database/sql driver: sqlite3 or libsql")
	remoteServeCmd.Flags().String("db", "", "Database DSN (default: remote.db in the data directory)")
	remoteServeCmd.Flags().Bool("memory", false, "Keep records in memory only")
	remoteServeCmd.Flags().String("token", "", "Require this bearer token")
	remoteServeCmd.Flags().String("public-url", "", "Base URL used in blob references, e.g. http://host:8780")

	remoteCmd.AddCommand(remoteServeCmd)
	rootCmd.AddCommand(remoteCmd)
}
