// Command tokensweep periodically removes expired OAuth tokens from the
// gateway's token store, adapted from the teacher's cmd/expire-tokens
// (which hand-edited one stored token's expiry for manual refresh testing)
// into an unattended maintenance sweep over every stored token.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nullrunner/mcp-gateway/pkg/config"
	"github.com/nullrunner/mcp-gateway/pkg/log"
	"github.com/nullrunner/mcp-gateway/pkg/tokenstore"
)

func main() {
	configDir := flag.String("config-dir", "config", "directory containing default/<env> config files")
	interval := flag.Duration("interval", 10*time.Minute, "how often to sweep expired tokens")
	once := flag.Bool("once", false, "sweep once and exit instead of running on an interval")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx, config.Source{Dir: *configDir, Environ: os.Environ()})
	if err != nil {
		fmt.Fprintf(os.Stderr, "tokensweep: load config: %v\n", err)
		os.Exit(1)
	}

	store, err := tokenstore.New(cfg.Environment == "production", cfg.Security.ConfigKeyEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tokensweep: build token store: %v\n", err)
		os.Exit(1)
	}

	sweep := func() {
		removed := store.Cleanup(time.Now())
		log.Logf("tokensweep: removed %d expired token(s)", removed)
	}

	sweep()
	if *once {
		return
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
