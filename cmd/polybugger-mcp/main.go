// Command polybugger-mcp runs the multi-language debugging broker:
// an MCP stdio server for AI agents, with an optional HTTP surface.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/polybugger/polybugger-mcp/internal/broker"
	"github.com/polybugger/polybugger-mcp/internal/config"
	"github.com/polybugger/polybugger-mcp/internal/httpapi"
	"github.com/polybugger/polybugger-mcp/internal/mcp"
	"github.com/polybugger/polybugger-mcp/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "polybugger-mcp",
		Short:         "Multi-language debugging broker for AI agents",
		Long:          "polybugger-mcp exposes a uniform debugging API (sessions, breakpoints, stepping, inspection, watches, containers) over MCP and HTTP, backed by DAP adapters: debugpy, js-debug, Delve, and lldb-dap.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the broker version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("polybugger-mcp %s\n", version.Version)
		},
	}
}

// buildLogger wires zap behind the logr facade. Logs go to stderr;
// stdout carries the MCP protocol.
func buildLogger(level string) (logr.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	zapCfg.OutputPaths = []string{"stderr"}
	zapCfg.ErrorOutputPaths = []string{"stderr"}
	switch strings.ToLower(level) {
	case "debug":
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.OutputPaths = []string{"stderr"}
		zapCfg.ErrorOutputPaths = []string{"stderr"}
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}
	z, err := zapCfg.Build()
	if err != nil {
		return logr.Logger{}, err
	}
	return zapr.NewLogger(z), nil
}

func newServeCmd() *cobra.Command {
	var withHTTP bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the MCP stdio surface (and the HTTP surface with --http)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			log, err := buildLogger(cfg.LogLevel)
			if err != nil {
				return err
			}

			b, err := broker.New(cfg, log.WithName("broker"))
			if err != nil {
				return err
			}
			defer b.Close()

			var httpSrv *httpapi.Server
			if withHTTP {
				addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
				httpSrv = httpapi.New(b, addr, log.WithName("http"))
				go func() {
					if err := httpSrv.ListenAndServe(); err != nil {
						log.Error(err, "http surface failed")
					}
				}()
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				log.Info("shutting down")
				if httpSrv != nil {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = httpSrv.Shutdown(ctx)
				}
				b.Close()
				os.Exit(0)
			}()

			log.Info("polybugger-mcp starting", "version", version.Version)
			return mcp.NewServer(b, log.WithName("mcp")).ServeStdio()
		},
	}

	cmd.Flags().BoolVar(&withHTTP, "http", false, "also serve the HTTP surface on PYBUGGER_MCP_HOST:PYBUGGER_MCP_PORT")
	return cmd
}
