package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/c4pt0r/gmailtail/internal/cache"
	"github.com/c4pt0r/gmailtail/internal/checkpoint"
	"github.com/c4pt0r/gmailtail/internal/filter"
	"github.com/c4pt0r/gmailtail/internal/format"
	"github.com/c4pt0r/gmailtail/internal/rate"
	"github.com/c4pt0r/gmailtail/internal/runtime"
	"github.com/c4pt0r/gmailtail/internal/tail"
)

type cliConfig struct {
	configFile string

	// filter
	query         string
	from          string
	to            string
	subject       string
	labels        string
	hasAttachment bool
	unreadOnly    bool
	since         string

	// output
	outFormat          string
	fields             string
	includeBody        bool
	maxBodyLength      int
	includeAttachments bool
	pretty             bool

	// monitoring
	tailMode     bool
	once         bool
	pollInterval time.Duration
	batchSize    int
	maxMessages  int

	// checkpoint
	checkpointFile     string
	checkpointInterval time.Duration
	noResume           bool

	// auth
	credentials string
	tokenFile   string
	authJSON    string
	authDir     string

	// cache
	cacheFile  string
	clearCache bool

	rps      int
	retryMax int

	dryRun  bool
	verbose bool
	quiet   bool
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	logger := runtime.DefaultLogger(logLevel(cfg))
	if err := run(cfg, logger); err != nil {
		logger.Error("gmailtail failed", "error", err)
		os.Exit(1)
	}
}

func parseFlags() (cliConfig, error) {
	var cfg cliConfig
	home := os.ExpandEnv("$HOME")

	flag.StringVar(&cfg.configFile, "config", "", "YAML config file; flags override its values")

	flag.StringVar(&cfg.query, "query", "", "raw Gmail search query (wins over the structured filters)")
	flag.StringVar(&cfg.from, "from", "", "filter by sender")
	flag.StringVar(&cfg.to, "to", "", "filter by recipient")
	flag.StringVar(&cfg.subject, "subject", "", "filter by subject")
	flag.StringVar(&cfg.labels, "labels", "", "comma separated label filters")
	flag.BoolVar(&cfg.hasAttachment, "has-attachment", false, "only messages with attachments")
	flag.BoolVar(&cfg.unreadOnly, "unread-only", false, "only unread messages")
	flag.StringVar(&cfg.since, "since", "", "lower time bound (YYYY-MM-DD or RFC 3339)")

	flag.StringVar(&cfg.outFormat, "format", format.FormatJSONLines, "output format: json, json-lines or compact")
	flag.StringVar(&cfg.fields, "fields", "", "comma separated field allowlist, output in listed order")
	flag.BoolVar(&cfg.includeBody, "include-body", false, "include the message body")
	flag.IntVar(&cfg.maxBodyLength, "max-body-length", 0, "truncate bodies to this many bytes (0 = unlimited)")
	flag.BoolVar(&cfg.includeAttachments, "include-attachments", false, "include attachment metadata")
	flag.BoolVar(&cfg.pretty, "pretty", false, "indent json output")

	flag.BoolVar(&cfg.tailMode, "tail", false, "keep polling for new messages")
	flag.BoolVar(&cfg.once, "once", false, "run a single cycle and exit, even if the config file enables tail")
	flag.DurationVar(&cfg.pollInterval, "poll-interval", 30*time.Second, "wait between poll cycles in tail mode")
	flag.IntVar(&cfg.batchSize, "batch-size", 100, "Gmail list page size (<=500)")
	flag.IntVar(&cfg.maxMessages, "max-messages", 0, "stop after this many messages (0 = unlimited)")

	flag.StringVar(&cfg.checkpointFile, "checkpoint-file", home+"/.gmailtail/checkpoint.json", "checkpoint file path")
	flag.DurationVar(&cfg.checkpointInterval, "checkpoint-interval", time.Minute, "minimum interval between checkpoint saves in tail mode")
	flag.BoolVar(&cfg.noResume, "no-resume", false, "ignore the existing checkpoint and start from the epoch")

	flag.StringVar(&cfg.credentials, "credentials", "", "OAuth client credentials JSON file")
	flag.StringVar(&cfg.tokenFile, "token-file", home+"/.gmailtail/token.json", "cached OAuth token path")
	flag.StringVar(&cfg.authJSON, "auth-json", "", "service account key JSON file")
	flag.StringVar(&cfg.authDir, "auth-dir", "", "reuse credentials from an existing gmailctl directory")

	flag.StringVar(&cfg.cacheFile, "cache-file", "", "sqlite message cache path (empty disables caching)")
	flag.BoolVar(&cfg.clearCache, "clear-cache", false, "wipe the message cache before running")

	flag.IntVar(&cfg.rps, "rps", 4, "max API requests per second (0 disables rate limiting)")
	flag.IntVar(&cfg.retryMax, "retry-max", 5, "max attempts per API call on transient errors")

	flag.BoolVar(&cfg.dryRun, "dry-run", false, "print the compiled query and exit")
	flag.BoolVar(&cfg.verbose, "verbose", false, "debug logging")
	flag.BoolVar(&cfg.quiet, "quiet", false, "errors only")
	flag.Parse()

	if cfg.configFile != "" {
		set := map[string]bool{}
		flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
		if err := applyConfigFile(&cfg, cfg.configFile, set); err != nil {
			return cliConfig{}, err
		}
	}
	return cfg, nil
}

func logLevel(cfg cliConfig) slog.Level {
	switch {
	case cfg.quiet:
		return slog.LevelError
	case cfg.verbose:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

func run(cfg cliConfig, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	spec := filter.Spec{
		Query:         cfg.query,
		From:          cfg.from,
		To:            cfg.to,
		Subject:       cfg.subject,
		Labels:        splitList(cfg.labels),
		HasAttachment: cfg.hasAttachment,
		UnreadOnly:    cfg.unreadOnly,
		Since:         cfg.since,
	}
	if err := spec.Validate(); err != nil {
		return err
	}

	formatter, err := format.New(format.Options{
		Format:             cfg.outFormat,
		Pretty:             cfg.pretty,
		Fields:             splitList(cfg.fields),
		IncludeBody:        cfg.includeBody,
		MaxBodyLength:      cfg.maxBodyLength,
		IncludeAttachments: cfg.includeAttachments,
	})
	if err != nil {
		return err
	}

	store := checkpoint.NewStore(cfg.checkpointFile)

	if cfg.dryRun {
		cp, err := store.Load()
		if err != nil {
			return err
		}
		fmt.Println(spec.Compile(cp.LastTimestamp))
		return nil
	}

	svc, err := runtime.NewGmailService(ctx, runtime.AuthOptions{
		GmailctlDir:     cfg.authDir,
		ServiceAccount:  cfg.authJSON,
		CredentialsFile: cfg.credentials,
		TokenFile:       cfg.tokenFile,
	})
	if err != nil {
		return fmt.Errorf("create gmail client: %w", err)
	}
	client := runtime.NewGoogleAPIClient(svc)

	var limiter rate.Limiter
	if cfg.rps > 0 {
		bucket := rate.NewTokenBucket(cfg.rps)
		defer bucket.Stop()
		limiter = bucket
	}

	service := tail.NewService(client, limiter, store, formatter, os.Stdout, logger)

	if cfg.cacheFile != "" {
		msgCache, err := cache.Open(cfg.cacheFile, logger)
		if err != nil {
			return err
		}
		defer msgCache.Close()
		if cfg.clearCache {
			if err := msgCache.Clear(ctx); err != nil {
				return err
			}
			logger.Info("message cache cleared")
		}
		service.Cache = msgCache
	}

	opts := tail.Options{
		Filter:       spec,
		Tail:         cfg.tailMode && !cfg.once,
		PollInterval: cfg.pollInterval,
		PageSize:     int64(cfg.batchSize),
		MaxMessages:  cfg.maxMessages,
		SaveInterval: cfg.checkpointInterval,
		Resume:       !cfg.noResume,
		Retry:        tail.RetryPolicy{MaxAttempts: cfg.retryMax},
	}
	return service.Run(ctx, opts)
}

func splitList(input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
