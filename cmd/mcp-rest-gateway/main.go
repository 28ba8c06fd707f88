// Command mcp-rest-gateway exposes a REST API described by a tool catalogue
// as MCP tools over the streaming HTTP transport.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ggoodman/mcp-rest-gateway/catalog"
	"github.com/ggoodman/mcp-rest-gateway/internal/config"
)

// version is set at build time.
var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var printSchema bool

	cmd := &cobra.Command{
		Use:   "mcp-rest-gateway",
		Short: "Serve a REST API as MCP tools over streaming HTTP",
		Long: `mcp-rest-gateway loads a tool catalogue (CATALOG_PATH) and translates every
MCP tool call into an authenticated request against API_BASE_URL.

Configuration is read from the environment. Upstream credentials use
per-scheme variables such as API_KEY_<SCHEME> and OAUTH_CLIENT_ID_<SCHEME>.`,
		SilenceUsage: true,
		Version:      version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if printSchema {
				return printCatalogSchema(cmd.OutOrStdout())
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.ServerVersion == "dev" {
				cfg.ServerVersion = version
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfg, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().BoolVar(&printSchema, "print-catalog-schema", false, "Print the JSON Schema of the catalogue file format and exit")
	return cmd
}

func printCatalogSchema(w io.Writer) error {
	b, err := catalog.FileSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
