package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/searchktools/block-server/app"
	"github.com/searchktools/block-server/config"
	"github.com/searchktools/block-server/core/http"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var file string

	root := &cobra.Command{
		Use:          "block-server",
		Short:        "Minimal blocking HTTP/1.1 server",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&file, "config", "", "Config file (default ./block-server.yaml)")

	root.AddCommand(newServeCmd(&file), newConfigCmd(&file))
	return root
}

func newServeCmd(file *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept connections until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags(), *file)
			if err != nil {
				return err
			}

			application := app.New(cfg)
			application.Engine().GET("/health", func(req *http.Request, w io.Writer) error {
				return http.NewResponse(w).String(http.StatusOK, "ok")
			})
			return application.Run()
		},
	}
	config.BindFlags(cmd.Flags(), config.Default())
	return cmd
}

func newConfigCmd(file *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags(), *file)
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	config.BindFlags(cmd.Flags(), config.Default())
	return cmd
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}
