package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/meridian-erp/corebridge/internal/app"
	"github.com/meridian-erp/corebridge/internal/authflow"
	"github.com/meridian-erp/corebridge/internal/companies"
	"github.com/meridian-erp/corebridge/internal/platform/cache"
	"github.com/meridian-erp/corebridge/internal/platform/db"
	"github.com/meridian-erp/corebridge/internal/remote"
	"github.com/meridian-erp/corebridge/internal/syncrun"
	"github.com/meridian-erp/corebridge/jobs"
)

const usage = `usage: corebridge <command> [flags]

commands:
  sync      run a sync batch for a namespace
  report    dry-run reconcile report, no writes
  rollback  reverse a prior batch
  batches   list recent batches
  purge     delete confirmed duplicate rows
  fetch     fetch individual records by external id
  enqueue   queue a sync run for the background worker
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if err := run(ctx, cfg, logger, os.Args[1], os.Args[2:]); err != nil {
		logger.Error("command failed", slog.String("command", os.Args[1]), slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger, command string, args []string) error {
	// fetch and enqueue talk only to the remote API or the queue; they skip
	// the database entirely.
	switch command {
	case "fetch":
		fs := flag.NewFlagSet("fetch", flag.ExitOnError)
		ids := fs.String("ids", "", "comma-separated external ids to fetch")
		workers := fs.Int("workers", cfg.BackfillWorkers, "concurrent fetch workers")
		_ = fs.Parse(args)
		if *ids == "" {
			return errors.New("fetch requires -ids with external ids")
		}
		externalIDs, err := parseIDs(*ids)
		if err != nil {
			return err
		}
		token, err := acquireToken(ctx, cfg, logger)
		if err != nil {
			return err
		}
		client := remote.NewClient(remote.ClientConfig{
			BaseURL:   cfg.APIBaseURL,
			Token:     token,
			Timeout:   cfg.APITimeout,
			PageDelay: cfg.APIPageDelay,
			Logger:    logger,
		})
		records, failures := client.Backfill(ctx, externalIDs, *workers)
		return printJSON(struct {
			Records  []remote.Company      `json:"records"`
			Failures []remote.FetchFailure `json:"failures,omitempty"`
		}{Records: records, Failures: failures})

	case "enqueue":
		fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
		ns := fs.String("namespace", string(companies.NamespaceCore), "source namespace (CORE or CRM)")
		_ = fs.Parse(args)
		if cfg.APIStaticToken == "" {
			return errors.New("enqueue requires API_STATIC_TOKEN, the worker cannot open a browser")
		}
		client, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		if err != nil {
			return err
		}
		defer client.Close()
		info, err := client.EnqueueSyncRun(ctx, jobs.SyncRunPayload{
			Namespace:   *ns,
			AccessToken: cfg.APIStaticToken,
		})
		if err != nil {
			return err
		}
		fmt.Printf("enqueued task %s on queue %s\n", info.ID, info.Queue)
		return nil
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	repo := companies.NewRepository(pool)
	journal := syncrun.NewJournal(pool)

	newService := func(token string, withLock bool) (*syncrun.Service, func(), error) {
		svcCfg := syncrun.ServiceConfig{
			Source: remote.NewClient(remote.ClientConfig{
				BaseURL:   cfg.APIBaseURL,
				Token:     token,
				Timeout:   cfg.APITimeout,
				PageDelay: cfg.APIPageDelay,
				Logger:    logger,
			}),
			Companies: repo,
			Journal:   journal,
			PageSize:  cfg.APIPageSize,
			Logger:    logger,
		}
		cleanup := func() {}
		if withLock {
			redisClient, err := cache.New(ctx, cfg.RedisAddr)
			if err != nil {
				return nil, nil, err
			}
			svcCfg.Lock = syncrun.NewRunLock(redisClient, cfg.SyncLockTTL)
			cleanup = func() { _ = redisClient.Close() }
		}
		return syncrun.NewService(svcCfg), cleanup, nil
	}

	switch command {
	case "sync":
		fs := flag.NewFlagSet("sync", flag.ExitOnError)
		ns := fs.String("namespace", string(companies.NamespaceCore), "source namespace (CORE or CRM)")
		_ = fs.Parse(args)

		token, err := acquireToken(ctx, cfg, logger)
		if err != nil {
			return err
		}
		service, cleanup, err := newService(token, true)
		if err != nil {
			return err
		}
		defer cleanup()
		summary, err := service.RunSync(ctx, companies.Namespace(*ns))
		if err != nil {
			return err
		}
		return printJSON(summary)

	case "report":
		fs := flag.NewFlagSet("report", flag.ExitOnError)
		ns := fs.String("namespace", string(companies.NamespaceCore), "source namespace (CORE or CRM)")
		_ = fs.Parse(args)

		token, err := acquireToken(ctx, cfg, logger)
		if err != nil {
			return err
		}
		service, cleanup, err := newService(token, false)
		if err != nil {
			return err
		}
		defer cleanup()
		report, err := service.RunReconcileReport(ctx, companies.Namespace(*ns))
		if err != nil {
			return err
		}
		return printJSON(report)

	case "rollback":
		fs := flag.NewFlagSet("rollback", flag.ExitOnError)
		batch := fs.String("batch", "latest", "batch id to roll back, or 'latest'")
		_ = fs.Parse(args)

		service, cleanup, err := newService("", false)
		if err != nil {
			return err
		}
		defer cleanup()
		batchID, err := resolveBatchID(ctx, service, *batch)
		if err != nil {
			return err
		}
		summary, err := service.RunRollback(ctx, batchID)
		if err != nil {
			return err
		}
		return printJSON(summary)

	case "batches":
		fs := flag.NewFlagSet("batches", flag.ExitOnError)
		limit := fs.Int("limit", 20, "number of batches to list")
		_ = fs.Parse(args)

		service, cleanup, err := newService("", false)
		if err != nil {
			return err
		}
		defer cleanup()
		batches, err := service.ListBatches(ctx, *limit)
		if err != nil {
			return err
		}
		return printJSON(batches)

	case "purge":
		fs := flag.NewFlagSet("purge", flag.ExitOnError)
		ids := fs.String("ids", "", "comma-separated confirmed duplicate company ids")
		_ = fs.Parse(args)
		if *ids == "" {
			return errors.New("purge requires -ids with operator-confirmed company ids")
		}
		confirmed, err := parseIDs(*ids)
		if err != nil {
			return err
		}
		service, cleanup, err := newService("", false)
		if err != nil {
			return err
		}
		defer cleanup()
		deleted, err := service.PurgeDuplicates(ctx, confirmed)
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d of %d confirmed duplicates\n", deleted, len(confirmed))
		return nil

	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func acquireToken(ctx context.Context, cfg *app.Config, logger *slog.Logger) (string, error) {
	if cfg.APIStaticToken != "" {
		return cfg.APIStaticToken, nil
	}
	acquirer := authflow.New(authflow.Config{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		AuthorizeURL: cfg.OAuthAuthorizeURL,
		TokenURL:     cfg.OAuthTokenURL,
		RedirectURI:  cfg.OAuthRedirectURI,
		Scope:        cfg.OAuthScope,
		WaitTimeout:  cfg.OAuthWaitTimeout,
		OpenBrowser:  openBrowser,
	}, logger)
	return acquirer.Acquire(ctx)
}

func resolveBatchID(ctx context.Context, service *syncrun.Service, raw string) (uuid.UUID, error) {
	if raw == "latest" {
		batch, err := service.LatestBatch(ctx)
		if err != nil {
			return uuid.Nil, err
		}
		return batch.ID, nil
	}
	return uuid.Parse(raw)
}

func parseIDs(raw string) ([]int64, error) {
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid company id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}
