package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"kbupload/internal/api"
	"kbupload/internal/config"
	"kbupload/internal/crypto"
	"kbupload/internal/database"
	"kbupload/internal/services/notify"
	"kbupload/internal/services/objectstore"
	"kbupload/internal/services/upload"

	"gorm.io/gorm"
)

const webhookTimeout = 10 * time.Second

// App struct - main application state
type App struct {
	ctx     context.Context
	cfg     *config.Config
	logger  *slog.Logger
	db      *gorm.DB
	client  *api.Client
	webhook *notify.WebhookNotifier
	uploads *upload.Service
}

// NewApp creates a new App application struct
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		cfg:    cfg,
		logger: logger,
	}
}

// startup opens the database, wires the transfer backend and notifiers and
// starts the upload orchestrator, which recovers tasks from the last run.
func (a *App) startup(ctx context.Context) error {
	a.ctx = ctx
	a.logger.Debug("application starting up")

	db, err := database.Init(a.cfg.Database, a.cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	a.db = db

	token, err := crypto.ResolveAPIToken(a.cfg.API.Token)
	if err != nil {
		a.logger.Warn("API token unavailable, continuing without authentication", "error", err)
	}
	a.client = api.NewClient(a.cfg.API.BaseURL, token, a.cfg.API.Timeout, a.cfg.API.RetryCount)

	var transferer upload.Transferer = a.client
	if a.cfg.Storage.Backend == "s3" {
		transferer, err = objectstore.New(ctx, a.cfg.Storage.S3, a.logger)
		if err != nil {
			a.closeDB()
			return fmt.Errorf("failed to initialize object store: %w", err)
		}
		a.logger.Info("uploading to object store", "bucket", a.cfg.Storage.S3.Bucket)
	}

	notifiers := notify.Multi{notify.NewLogNotifier(a.logger)}
	if url := a.cfg.Notify.WebhookURL; url != "" {
		a.webhook = notify.NewWebhookNotifier(url, webhookTimeout, a.logger)
		notifiers = append(notifiers, a.webhook)
	}

	a.uploads = upload.NewService(upload.Config{
		Concurrency:     a.cfg.Upload.Concurrency,
		PollInterval:    a.cfg.Upload.PollInterval,
		TransferTimeout: a.cfg.Upload.TransferTimeout,
		PollTimeout:     a.cfg.Upload.PollTimeout,
		MaxPollErrors:   a.cfg.Upload.MaxPollErrors,
	}, transferer, a.client, database.NewTaskSnapshotStore(db), notifiers, a.logger)

	if err := a.uploads.Start(ctx); err != nil {
		a.closeDB()
		return fmt.Errorf("failed to start uploads: %w", err)
	}

	a.logger.Debug("startup complete")
	return nil
}

// shutdown stops the orchestrator, flushes notifications and closes the
// database.
func (a *App) shutdown() {
	a.logger.Debug("application shutting down")

	if a.uploads != nil {
		a.uploads.Stop()
	}
	if a.webhook != nil {
		a.webhook.Wait()
	}
	a.closeDB()
}

func (a *App) closeDB() {
	if err := database.Close(a.db); err != nil {
		a.logger.Error("error closing database", "error", err)
	}
	a.db = nil
}

// SubmitPaths queues the files at paths for upload into targetID. Every
// path is checked before anything is queued.
func (a *App) SubmitPaths(ctx context.Context, paths []string, targetID string) ([]string, error) {
	files := make([]upload.File, 0, len(paths))
	for _, p := range paths {
		payload, err := upload.FilePayload(p)
		if err != nil {
			return nil, err
		}
		files = append(files, upload.File{Name: filepath.Base(p), Payload: payload})
	}
	return a.uploads.Submit(ctx, files, targetID)
}

// Wait blocks until transfers drain, or with untilProcessed until every task
// has finished remote processing as well.
func (a *App) Wait(ctx context.Context, untilProcessed bool) error {
	if untilProcessed {
		return a.uploads.WaitIdle(ctx)
	}
	return a.uploads.WaitTransfers(ctx)
}

// Refresh runs one reconciliation pass now
func (a *App) Refresh(ctx context.Context) {
	a.uploads.Tick(ctx)
}

// ClearFinished removes completed and failed tasks
func (a *App) ClearFinished(ctx context.Context) int {
	return a.uploads.ClearTerminal(ctx)
}

// Tasks returns all known tasks, newest first
func (a *App) Tasks() []upload.Task {
	return a.uploads.Tasks()
}

// AnyFailed reports whether any of ids ended up Failed
func (a *App) AnyFailed(ids []string) bool {
	for _, id := range ids {
		if t, ok := a.uploads.Task(id); ok && t.Status == upload.StatusFailed {
			return true
		}
	}
	return false
}

// writeSummary prints tasks as an aligned table
func writeSummary(w io.Writer, tasks []upload.Task) error {
	if len(tasks) == 0 {
		_, err := fmt.Fprintln(w, "no upload tasks")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFILE\tTARGET\tSTATUS\tPROGRESS\tDETAIL")
	for _, t := range tasks {
		detail := t.Error
		if detail == "" && t.RemoteJobID != "" {
			detail = "job " + t.RemoteJobID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d%%\t%s\n",
			shortID(t.ID), t.Filename, t.TargetID, t.Status, t.Progress, strings.ReplaceAll(detail, "\n", " "))
	}
	return tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
