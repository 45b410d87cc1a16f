// Command mcp-gateway runs the aggregating MCP gateway server: it loads
// the layered configuration, builds the dependency container, and serves
// the HTTP surface, following the teacher's cobra-based root command with
// a serve subcommand plus config diagnostics.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nullrunner/mcp-gateway/pkg/config"
	"github.com/nullrunner/mcp-gateway/pkg/container"
	"github.com/nullrunner/mcp-gateway/pkg/log"
	"github.com/nullrunner/mcp-gateway/pkg/tokenstore"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configDir string

	root := &cobra.Command{
		Use:   "mcp-gateway",
		Short: "Aggregating gateway for multiple MCP servers",
	}
	root.PersistentFlags().StringVar(&configDir, "config-dir", "config", "directory containing default/<env> config files")

	root.AddCommand(serveCommand(&configDir))
	root.AddCommand(configCommand(&configDir))
	return root
}

func loadSource(configDir string, args []string) config.Source {
	return config.Source{
		Dir:     configDir,
		Args:    args,
		Environ: os.Environ(),
	}
}

func serveCommand(configDir *string) *cobra.Command {
	var watch bool
	var credHelper string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := config.Load(ctx, loadSource(*configDir, args))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log.SetLevel(log.ParseLevel(cfg.Logging.Level))

			var storeOpts []tokenstore.Option
			if credHelper != "none" {
				storeOpts = append(storeOpts, tokenstore.WithAdapter(tokenstore.ResolveShellCredHelper(credHelper, "mcp-gateway")))
			}
			store, err := tokenstore.New(cfg.Environment == "production", cfg.Security.ConfigKeyEnv, storeOpts...)
			if err != nil {
				return fmt.Errorf("build token store: %w", err)
			}

			cc, err := container.New(ctx, cfg, container.Options{Store: store})
			if err != nil {
				return fmt.Errorf("build container: %w", err)
			}

			mgr := config.NewManager(cfg)
			mgr.Subscribe(cc)

			ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Hosting.Port))
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}

			srv := &http.Server{Handler: cc.HTTPHandler()}
			serveErr := make(chan error, 1)
			go func() { serveErr <- srv.Serve(ln) }()
			log.Logf("mcp-gateway: listening on %s (environment=%s, servers=%d)", ln.Addr(), cfg.Environment, len(cfg.Servers))

			mgr.StartupDone()

			if watch {
				watcher, err := config.NewFilesystemWatch(*configDir, 300*time.Millisecond)
				if err != nil {
					return fmt.Errorf("watch config dir: %w", err)
				}
				go mgr.Watch(ctx, watcher, loadSource(*configDir, args))
			}

			select {
			case err := <-serveErr:
				if err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "reload configuration on file changes")
	cmd.Flags().StringVar(&credHelper, "credential-helper", "", "credential helper binary to persist tokens through, e.g. docker-credential-osxkeychain (empty: OS default, \"none\": in-memory only)")
	return cmd
}

func configCommand(configDir *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the resolved configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration without starting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(cmd.Context(), loadSource(*configDir, args))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	})

	var asJSON bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the fully resolved configuration (secrets redacted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Context(), loadSource(*configDir, args))
			if err != nil {
				return err
			}
			redacted := redactConfig(cfg)
			if asJSON {
				buf, err := json.MarshalIndent(redacted, "", "  ")
				if err != nil {
					return err
				}
				_, _ = cmd.OutOrStdout().Write(buf)
				fmt.Fprintln(cmd.OutOrStdout())
				return nil
			}
			buf, err := yaml.Marshal(redacted)
			if err != nil {
				return err
			}
			_, _ = cmd.OutOrStdout().Write(buf)
			return nil
		},
	}
	show.Flags().BoolVar(&asJSON, "json", false, "print as JSON instead of YAML")
	cmd.AddCommand(show)

	return cmd
}

// redactConfig returns a copy of cfg with per-server client secrets masked,
// since Load resolves env:/enc:gcm: secrets into plain values that must
// never be echoed back verbatim.
func redactConfig(cfg config.MasterConfig) config.MasterConfig {
	servers := make([]config.ServerConfig, len(cfg.Servers))
	copy(servers, cfg.Servers)
	for i, s := range servers {
		if s.AuthConfig != nil && s.AuthConfig.ClientSecret != "" {
			redacted := *s.AuthConfig
			redacted.ClientSecret = "***"
			servers[i].AuthConfig = &redacted
		}
	}
	cfg.Servers = servers
	return cfg
}
