// Package cli provides the command-line interface for tunnel-client.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/tunnel-client/internal/cmdrun"
	"github.com/user/tunnel-client/internal/config"
	"github.com/user/tunnel-client/internal/core"
	"github.com/user/tunnel-client/internal/elevate"
	"github.com/user/tunnel-client/internal/logger"
	"github.com/user/tunnel-client/internal/netcfg"
	"github.com/user/tunnel-client/internal/routing"
)

type globalOptions struct {
	configPath string
	logLevel   string
	elevate    bool
}

// NewRootCommand creates the root cobra command.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "tunnel-client",
		Short:         "Route system traffic through a local proxy engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", config.GetConfigPath(), "path to config.yaml")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&opts.elevate, "elevate", false, "relaunch with administrator privileges when needed")

	root.AddCommand(newRunCmd(opts))
	root.AddCommand(newCleanupCmd(opts))
	root.AddCommand(newGatewayCmd(opts))
	root.AddCommand(newEnginePortCmd())
	root.AddCommand(newLogsCmd(opts))
	return root
}

// setup loads configuration and opens the log file.
func setup(opts *globalOptions) (*config.Config, error) {
	mgr := config.NewManager(opts.configPath)
	if err := mgr.Load(); err != nil {
		return nil, err
	}
	cfg := mgr.Get()

	level := cfg.Log.Level
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	logger.SetLevel(level)
	if err := logger.Init(cfg.Log.Dir); err != nil {
		logger.Warning("Log file unavailable: %v", err)
	}
	logger.Debug("Loaded config from %s", mgr.Path())
	return cfg, nil
}

// requireAdmin fails unless the process may change routes and firewall
// rules. With --elevate it relaunches itself instead.
func requireAdmin(opts *globalOptions) error {
	if elevate.IsAdmin() {
		return nil
	}
	if opts.elevate {
		logger.Info("Not running as administrator, requesting elevation...")
		// returns only when the relaunch could not be attempted
		return fmt.Errorf("failed to elevate privileges: %w", elevate.RunAsAdmin())
	}
	return elevate.Require()
}

func newBackend() netcfg.Backend {
	return netcfg.New(cmdrun.Exec{})
}

func newRunCmd(opts *globalOptions) *cobra.Command {
	var (
		server       string
		port         int
		killSwitch   bool
		dnsServers   []string
		engineConfig string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the proxy engine and tunnel, and keep them up until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAdmin(opts); err != nil {
				return err
			}
			cfg, err := setup(opts)
			if err != nil {
				return err
			}
			defer logger.Close()

			if !cmd.Flags().Changed("port") {
				port = cfg.Tunnel.ProxyPort
			}
			if !cmd.Flags().Changed("kill-switch") {
				killSwitch = cfg.KillSwitch.Enabled
			}
			if len(dnsServers) == 0 {
				dnsServers = cfg.DNS.Servers
			}
			if engineConfig == "" {
				engineConfig = cfg.Engine.ConfigPath
			}

			backend := newBackend()
			core.EmergencyCleanup(cfg, backend, nil)

			ctrl, err := core.NewController(cfg, backend)
			if err != nil {
				return err
			}
			defer ctrl.Shutdown()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if engineConfig != "" {
				msg, err := ctrl.StartProxyEngine(engineConfig)
				if err != nil {
					return err
				}
				logger.Info("%s", msg)
			}

			msg, err := ctrl.StartTunnel(ctx, core.TunnelRequest{
				ServerIP:   server,
				ProxyPort:  port,
				KillSwitch: killSwitch,
				DNSServers: dnsServers,
			})
			if err != nil {
				return err
			}
			fmt.Println(msg)

			<-ctx.Done()
			logger.Info("Interrupted, shutting down")
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "proxy server IPv4 address (required)")
	cmd.Flags().IntVar(&port, "port", 0, "local SOCKS5 port of the proxy engine")
	cmd.Flags().BoolVar(&killSwitch, "kill-switch", false, "block traffic outside the tunnel")
	cmd.Flags().StringSliceVar(&dnsServers, "dns", nil, "DNS servers for the tunnel interface")
	cmd.Flags().StringVar(&engineConfig, "engine-config", "", "proxy engine JSON config; the engine is not started when empty")
	cmd.MarkFlagRequired("server")
	return cmd
}

func newCleanupCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove kill switch rules, stale routes and orphaned helpers left by a crash",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAdmin(opts); err != nil {
				return err
			}
			cfg, err := setup(opts)
			if err != nil {
				return err
			}
			defer logger.Close()

			errs := core.EmergencyCleanup(cfg, newBackend(), nil)
			if len(errs) > 0 {
				fmt.Printf("cleanup finished with %d warnings\n", len(errs))
				return nil
			}
			fmt.Println("cleanup finished")
			return nil
		},
	}
}

func newGatewayCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Print the physical default gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(opts)
			if err != nil {
				return err
			}
			defer logger.Close()

			r := &routing.Resolver{
				Backend: newBackend(),
				Exclude: routing.NamePatternFilter(cfg.Routing.ExcludeInterfaces...),
			}
			gw, err := r.Resolve()
			if err != nil {
				return err
			}
			fmt.Println(gw)
			return nil
		},
	}
}

func newEnginePortCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "engine-port",
		Short: "Print the socks-in port of a proxy engine config",
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := core.SocksInboundPort(path)
			if err != nil {
				return err
			}
			fmt.Println(port)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "config", "", "proxy engine JSON config")
	cmd.MarkFlagRequired("config")
	return cmd
}

func newLogsCmd(opts *globalOptions) *cobra.Command {
	var clear bool
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print or clear the log file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := setup(opts); err != nil {
				return err
			}
			defer logger.Close()

			if clear {
				logger.ClearRecent()
				return logger.ClearLogs()
			}
			data, err := logger.ReadLogs()
			writeLogs(cmd.OutOrStdout(), data, err)
			return nil
		},
	}
	cmd.Flags().BoolVar(&clear, "clear", false, "truncate the log file")
	return cmd
}

// writeLogs prints the log file, or this process's in-memory history when
// the file cannot be read.
func writeLogs(w io.Writer, data string, readErr error) {
	if readErr == nil {
		fmt.Fprint(w, strings.TrimRight(data, "\n")+"\n")
		return
	}
	logger.Warning("Log file unavailable, showing recent events: %v", readErr)
	for _, e := range logger.Recent() {
		fmt.Fprintln(w, e.String())
	}
}
