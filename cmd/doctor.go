package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/burstgate/internal/config"
	"github.com/nextlevelbuilder/burstgate/internal/store"
	"github.com/nextlevelbuilder/burstgate/internal/store/pg"
	"github.com/nextlevelbuilder/burstgate/internal/store/redis"
	"github.com/nextlevelbuilder/burstgate/internal/store/sqlite"
	"github.com/nextlevelbuilder/burstgate/internal/upgrade"
	"github.com/nextlevelbuilder/burstgate/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	var showConfig bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, buffer store and webhook settings",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(showConfig)
		},
	}
	cmd.Flags().BoolVar(&showConfig, "show-config", false, "print the effective config with secrets masked")
	return cmd
}

func runDoctor(showConfig bool) {
	fmt.Println("burstgate doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults + env)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(false); err != nil {
		fmt.Printf("  Config:   INVALID (%s)\n", err)
	}
	if showConfig {
		data, _ := json.MarshalIndent(cfg.MaskedCopy(), "  ", "  ")
		fmt.Printf("  %s\n", data)
	}

	fmt.Println()
	fmt.Println("  Debounce:")
	fmt.Printf("    %-12s %s\n", "Quiet:", cfg.Debounce.Quiet())
	fmt.Printf("    %-12s %s\n", "Timeout:", cfg.Debounce.FlushTimeout())
	fmt.Printf("    %-12s %v\n", "On stop:", cfg.Debounce.ShouldFlushOnShutdown())

	fmt.Println()
	fmt.Println("  Buffer store:")
	fmt.Printf("    %-12s %s\n", "Backend:", cfg.Buffer.Backend)
	checkBufferStore(cfg)

	fmt.Println()
	fmt.Println("  Webhook:")
	checkWebhook(cfg.Webhook)

	fmt.Println()
	fmt.Println("  Gateway:")
	fmt.Printf("    %-12s %s:%d\n", "Listen:", cfg.Gateway.Host, cfg.Gateway.Port)
	if cfg.Gateway.Token != "" {
		fmt.Printf("    %-12s set\n", "Token:")
	} else {
		fmt.Printf("    %-12s (not set, ingress is open)\n", "Token:")
	}
	if cfg.Gateway.RateLimitRPM > 0 {
		fmt.Printf("    %-12s %d/min per sender\n", "Rate limit:", cfg.Gateway.RateLimitRPM)
	} else {
		fmt.Printf("    %-12s disabled\n", "Rate limit:")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkBufferStore(cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sc := storeConfig(cfg)

	switch sc.Backend {
	case store.BackendMemory:
		fmt.Printf("    %-12s in-process (not durable)\n", "Status:")

	case store.BackendRedis:
		fmt.Printf("    %-12s %s db=%d prefix=%q\n", "Address:", sc.RedisAddr, sc.RedisDB, sc.KeyPrefix)
		s, err := redis.Open(ctx, sc)
		if err != nil {
			fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
			return
		}
		defer s.Close()
		fmt.Printf("    %-12s OK\n", "Status:")
		printPendingKeys(ctx, s)

	case store.BackendSQLite:
		fmt.Printf("    %-12s %s\n", "Path:", sc.SQLitePath)
		if _, err := os.Stat(sc.SQLitePath); os.IsNotExist(err) {
			fmt.Printf("    %-12s not created yet (serve creates it)\n", "Status:")
			return
		}
		s, err := sqlite.Open(ctx, sc.SQLitePath)
		if err != nil {
			fmt.Printf("    %-12s OPEN FAILED (%s)\n", "Status:", err)
			return
		}
		defer s.Close()
		fmt.Printf("    %-12s OK\n", "Status:")
		printPendingKeys(ctx, s)

	case store.BackendPostgres:
		if sc.PostgresDSN == "" {
			fmt.Printf("    %-12s BURSTGATE_POSTGRES_DSN not set\n", "Status:")
			return
		}
		s, err := pg.NewPGBufferStoreFromConfig(sc)
		if err != nil {
			fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
			return
		}
		defer s.Close()
		fmt.Printf("    %-12s OK\n", "Status:")

		st, err := upgrade.CheckSchema(ctx, s.DB())
		switch {
		case err != nil:
			fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", err)
		case st.Dirty:
			fmt.Printf("    %-12s v%d (DIRTY, see: burstgate migrate force)\n", "Schema:", st.CurrentVersion)
		case st.Compatible:
			fmt.Printf("    %-12s v%d (up to date)\n", "Schema:", st.CurrentVersion)
			printPendingKeys(ctx, s)
		case st.CurrentVersion > st.RequiredVersion:
			fmt.Printf("    %-12s v%d (binary too old, requires v%d)\n", "Schema:", st.CurrentVersion, st.RequiredVersion)
		default:
			fmt.Printf("    %-12s v%d (migration needed, run: burstgate migrate up)\n", "Schema:", st.CurrentVersion)
		}

	default:
		fmt.Printf("    %-12s unknown backend\n", "Status:")
	}
}

func printPendingKeys(ctx context.Context, l store.KeyLister) {
	keys, err := l.PendingKeys(ctx)
	if err != nil {
		fmt.Printf("    %-12s (could not list: %s)\n", "Pending:", err)
		return
	}
	fmt.Printf("    %-12s %d buffered conversation(s)\n", "Pending:", len(keys))
}

func checkWebhook(w config.WebhookConfig) {
	if w.URL == "" {
		fmt.Printf("    %-12s NOT SET (WEBHOOK_URL is required to serve)\n", "URL:")
		return
	}
	u, err := url.Parse(w.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		fmt.Printf("    %-12s %s (INVALID)\n", "URL:", w.URL)
		return
	}
	// Never print credentials embedded in the URL.
	u.User = nil
	u.RawQuery = ""
	fmt.Printf("    %-12s %s\n", "URL:", u.String())
	fmt.Printf("    %-12s %s\n", "Timeout:", w.Timeout())
	if w.Token != "" {
		fmt.Printf("    %-12s bearer\n", "Auth:")
	}
	if len(w.Headers) > 0 {
		names := make([]string, 0, len(w.Headers))
		for k := range w.Headers {
			names = append(names, k)
		}
		fmt.Printf("    %-12s %s\n", "Headers:", strings.Join(names, ", "))
	}
}
