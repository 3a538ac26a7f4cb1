package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/Juliovivas99/crybb/internal/batchctx"
	"github.com/Juliovivas99/crybb/internal/imagetransform"
	"github.com/Juliovivas99/crybb/internal/ledger"
	"github.com/Juliovivas99/crybb/internal/mention"
	"github.com/Juliovivas99/crybb/internal/metrics"
	"github.com/Juliovivas99/crybb/internal/microblog"
	"github.com/Juliovivas99/crybb/internal/platform/config"
	"github.com/Juliovivas99/crybb/internal/platform/logger"
	"github.com/Juliovivas99/crybb/internal/quietactivity"
	"github.com/Juliovivas99/crybb/internal/ratelimit"
	"github.com/Juliovivas99/crybb/internal/reply"
	"github.com/Juliovivas99/crybb/internal/scheduler"
)

const microblogBaseURL = "https://api.twitter.com"

func main() {
	root := &cobra.Command{
		Use:   "crybb",
		Short: "crybb runs $CRYBB's mention-reply engine",
		Long:  "crybb polls for mentions, renders a welcome image for the extracted target, and replies in thread — with a quiet-period task that re-posts the bot's own well-liked posts.",
	}

	root.AddCommand(runCmd())
	root.AddCommand(resetLedgerCmd())
	root.AddCommand(statusCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// runCmd creates the "run" subcommand: the long-running poll loop.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the poll loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doRun()
		},
	}
}

func doRun() error {
	logger.Init(logger.FromEnv())
	l := logger.Get()

	settings, err := config.Load()
	if err != nil {
		l.Fatal().Err(err).Msg("crybb: failed to load settings")
	}

	if err := validateStyleURL(settings.StyleURL); err != nil {
		l.Fatal().Err(err).Msg("crybb: STYLE_URL failed startup validation")
	}

	reg := prometheus.NewRegistry()
	counters := metrics.New(reg)

	mbRegistry := microblog.NewRegistry()
	client := microblog.NewClient(microblogBaseURL, mbRegistry, *l)

	readCred := microblog.BearerCredential{Token: settings.BearerToken}
	writeCred := microblog.UserContextCredential{
		ConsumerKey:    settings.ConsumerKey,
		ConsumerSecret: settings.ConsumerSecret,
		AccessToken:    settings.AccessToken,
		AccessSecret:   settings.AccessSecret,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	me, err := client.GetMe(ctx, readCred)
	if err != nil {
		l.Fatal().Err(err).Msg("crybb: failed to resolve the bot's own account")
	}

	led, err := ledger.Open(settings.OutboxDir)
	if err != nil {
		l.Fatal().Err(err).Msg("crybb: failed to open the ledger")
	}

	transform := buildTransform(settings)

	replyPipeline := reply.New(reply.Deps{
		Client:         client,
		ReadCred:       readCred,
		WriteCred:      writeCred,
		Incoming:       ratelimit.NewIncoming(settings.PerAuthorHourlyLimit, ratelimit.NewWhitelist(normalizeHandles(settings.WhitelistHandles))),
		Outgoing:       ratelimit.NewOutgoing(settings.PerTargetHourlyLimit),
		Ledger:         led,
		Transform:      transform,
		Metrics:        counters,
		BotHandle:      settings.BotHandle,
		StyleURL:       settings.StyleURL,
		MaxConcurrency: settings.AIMaxConcurrency,
	}, *logger.Named("reply"))

	quiet := quietactivity.New(quietactivity.Deps{
		Client:        client,
		ReadCred:      readCred,
		WriteCred:     writeCred,
		BotUserID:     me.ID,
		LikeThreshold: settings.RTLikeThreshold,
	}, *logger.Named("quietactivity"))

	sched := scheduler.New(scheduler.Deps{
		Client:        client,
		ReadCred:      readCred,
		BotUserID:     me.ID,
		BotHandle:     settings.BotHandle,
		Ledger:        led,
		TTL:           batchctx.NewTTLCache(5 * time.Minute),
		Reply:         replyPipeline,
		QuietActivity: quiet,
		Awake:         scheduler.Cadence{MinSecs: settings.AwakeMinSecs, MaxSecs: settings.AwakeMaxSecs},
		Sleeper:       scheduler.Cadence{MinSecs: settings.SleeperMinSecs, MaxSecs: settings.SleeperMaxSecs},
	}, *logger.Named("scheduler"), time.Now().UnixNano())

	l.Info().Str("bot_handle", settings.BotHandle).Str("bot_id", me.ID).Msg("crybb: starting poll loop")
	return sched.Run(ctx)
}

// normalizeHandles lowercases and trims every handle so whitelist lookups
// can compare against mention.NormalizedUsername output directly.
func normalizeHandles(handles []string) []string {
	out := make([]string, len(handles))
	for i, h := range handles {
		out[i] = mention.NormalizedUsername(h)
	}
	return out
}

// buildTransform selects the image-transform backend named by
// settings.ImagePipeline, wrapping a real backend with a retry budget.
func buildTransform(settings config.Settings) imagetransform.Client {
	if settings.ImagePipeline != "ai" {
		return imagetransform.Placeholder{}
	}
	ai := imagetransform.NewAIClient(settings.TransformBaseURL, settings.TransformToken, settings.AIPollInterval, settings.AITimeout)
	return imagetransform.NewWithRetries(ai, settings.AIMaxAttempts)
}

// validateStyleURL performs a fail-fast HEAD request against the
// configured style-reference image so a bad STYLE_URL is caught at boot
// instead of on the first transform call.
func validateStyleURL(rawURL string) error {
	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Head(rawURL)
	if err != nil {
		return fmt.Errorf("crybb: HEAD %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("crybb: HEAD %s returned %d", rawURL, resp.StatusCode)
	}
	return nil
}

// resetLedgerCmd creates the "reset-ledger" operator subcommand: clears
// the processed-id and since-id flat files so the next run reprocesses
// everything from scratch. Destructive, so it requires --yes.
func resetLedgerCmd() *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "reset-ledger",
		Short: "Clear the processed-id ledger and since-id watermark",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return fmt.Errorf("crybb: reset-ledger is destructive, pass --yes to confirm")
			}
			logger.Init(logger.FromEnv())
			l := logger.Get()

			settings, err := config.Load()
			if err != nil {
				return fmt.Errorf("crybb: failed to load settings: %w", err)
			}
			led, err := ledger.Open(settings.OutboxDir)
			if err != nil {
				return fmt.Errorf("crybb: failed to open the ledger: %w", err)
			}
			if err := led.Reset(); err != nil {
				return fmt.Errorf("crybb: failed to reset the ledger: %w", err)
			}
			l.Info().Str("outbox_dir", settings.OutboxDir).Msg("crybb: ledger reset")
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirm, "yes", false, "confirm the destructive reset")
	return cmd
}

// statusCmd creates the "status" operator subcommand: prints the ledger's
// current watermark and exits. It never talks to the microblog API.
func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the ledger's current watermark and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load()
			if err != nil {
				return fmt.Errorf("crybb: failed to load settings: %w", err)
			}
			led, err := ledger.Open(settings.OutboxDir)
			if err != nil {
				return fmt.Errorf("crybb: failed to open the ledger: %w", err)
			}
			sinceID := led.SinceID()
			if sinceID == "" {
				sinceID = "(none — next run starts from the most recent mention)"
			}
			fmt.Printf("bot_handle:    %s\n", settings.BotHandle)
			fmt.Printf("outbox_dir:    %s\n", settings.OutboxDir)
			fmt.Printf("since_id:      %s\n", sinceID)
			fmt.Printf("image_pipeline: %s\n", settings.ImagePipeline)
			return nil
		},
	}
}
