package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	nsesync "github.com/nsetools/nsesync"
	"github.com/nsetools/nsesync/internal/api"
	"github.com/nsetools/nsesync/internal/config"
	"github.com/nsetools/nsesync/internal/db"
	"github.com/nsetools/nsesync/internal/ledger"
	"github.com/nsetools/nsesync/internal/model"
	"github.com/nsetools/nsesync/internal/nseclient"
	"github.com/nsetools/nsesync/internal/orchestrator"
	"github.com/nsetools/nsesync/internal/organizer"
	"github.com/nsetools/nsesync/internal/retry"
	"github.com/nsetools/nsesync/internal/scheduler"
	"github.com/nsetools/nsesync/internal/vault"
)

func Run(ctx context.Context, cfg *config.Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return err
	}

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.Migrate(database, nsesync.MigrationFS); err != nil {
		return err
	}
	if err := db.SeedSettings(database, defaultSettings(cfg)); err != nil {
		return err
	}
	slog.Info("database ready")

	vlt, err := vault.Open(database, keyFilePath(cfg))
	if err != nil {
		return err
	}

	files, err := organizer.New(filepath.Join(cfg.DataDir, "downloads"))
	if err != nil {
		return err
	}
	// Emergency stops and crashes may leave temp artifacts behind.
	if _, err := files.SweepTemps(); err != nil {
		slog.Warn("temp sweep incomplete", "error", err)
	}

	client := nseclient.New(nseclient.Options{
		BaseURL:        cfg.BaseURL,
		Timeout:        cfg.RequestTimeout,
		RequestsPerSec: cfg.RequestsPerSec,
	})

	runs := ledger.New(database)

	orch := orchestrator.New(client, vlt, files, runs, retry.Policy{
		MaxAttempts: cfg.MaxRetries,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	})

	schedCfg, autoStart := loadScheduleConfig(database, cfg)
	ctrl := scheduler.New(orch, schedCfg, persister(database))
	ctrl.OnAutoStop(func(at time.Time) {
		if err := db.SetSetting(database, "last_auto_stop", db.FormatTime(at), "scheduler"); err != nil {
			slog.Error("could not record midnight auto-stop", "error", err)
		}
	})
	if autoStart {
		if err := ctrl.Start(); err != nil {
			slog.Error("could not auto-start scheduler", "error", err)
		}
	}

	handler := api.New(ctrl, runs)
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler.Routes(),
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down")
		ctrl.EmergencyStop()
		ctrl.Wait()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("control API listening", "addr", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func keyFilePath(cfg *config.Config) string {
	if cfg.KeyFile != "" {
		return cfg.KeyFile
	}
	return filepath.Join(cfg.DataDir, "keys", "vault.key")
}

func defaultSettings(cfg *config.Config) []db.Setting {
	return []db.Setting{
		{Key: "interval_minutes", Value: strconv.Itoa(cfg.IntervalMinutes), Category: "scheduler", Description: "Download interval in minutes"},
		{Key: "segments", Value: cfg.Segments, Category: "scheduler", Description: "Enabled segments, comma separated"},
		{Key: "auto_shutdown", Value: strconv.FormatBool(cfg.MidnightAutoStop), Category: "scheduler", Description: "Stop automatically at midnight"},
		{Key: "max_concurrent", Value: strconv.Itoa(cfg.MaxConcurrent), Category: "downloads", Description: "Maximum parallel downloads"},
		{Key: "max_retries", Value: strconv.Itoa(cfg.MaxRetries), Category: "downloads", Description: "Retry attempts per operation"},
	}
}

// loadScheduleConfig prefers persisted settings over process defaults so
// operator changes survive restarts. autoStart mirrors the last enabled flag.
func loadScheduleConfig(database *sql.DB, cfg *config.Config) (model.ScheduleConfig, bool) {
	sc := model.ScheduleConfig{
		IntervalMinutes:  settingInt(database, "interval_minutes", cfg.IntervalMinutes),
		Segments:         model.ParseSegments(settingStr(database, "segments", cfg.Segments)),
		MaxConcurrent:    settingInt(database, "max_concurrent", cfg.MaxConcurrent),
		MaxRetries:       settingInt(database, "max_retries", cfg.MaxRetries),
		MidnightAutoStop: settingStr(database, "auto_shutdown", strconv.FormatBool(cfg.MidnightAutoStop)) == "true",
	}

	autoStart := false
	if state, err := db.GetSchedulerState(database); err == nil && state != nil {
		autoStart = state.Enabled
	}
	return sc, autoStart
}

func settingStr(database *sql.DB, key, fallback string) string {
	if v, ok, err := db.GetSetting(database, key); err == nil && ok {
		return v
	}
	return fallback
}

func settingInt(database *sql.DB, key string, fallback int) int {
	if v, ok, err := db.GetSetting(database, key); err == nil && ok {
		if n, convErr := strconv.Atoi(v); convErr == nil {
			return n
		}
	}
	return fallback
}

func persister(database *sql.DB) scheduler.StatePersister {
	return func(sc model.ScheduleConfig, running bool, lastRun, nextRun *time.Time) {
		segments := ""
		for i, s := range sc.Segments {
			if i > 0 {
				segments += ","
			}
			segments += s
		}
		if err := db.SaveSchedulerState(database, sc.IntervalMinutes, running, sc.MidnightAutoStop, segments, lastRun, nextRun); err != nil {
			slog.Error("could not persist scheduler state", "error", err)
		}
		if err := db.SetSetting(database, "interval_minutes", strconv.Itoa(sc.IntervalMinutes), "scheduler"); err != nil {
			slog.Error("could not persist interval setting", "error", err)
		}
	}
}

// ImportEnvCredentials seals plaintext environment credentials into the
// vault. This is a one-time migration convenience, not a recurring read path.
func ImportEnvCredentials(cfg *config.Config) error {
	record := model.CredentialRecord{
		MemberCode: os.Getenv("NSE_MEMBER_CODE"),
		LoginID:    os.Getenv("NSE_LOGIN_ID"),
		Password:   os.Getenv("NSE_PASSWORD"),
		SecretKey:  os.Getenv("NSE_SECRET_KEY"),
	}
	if err := record.Validate(); err != nil {
		return fmt.Errorf("environment credentials incomplete: %w", err)
	}

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.Migrate(database, nsesync.MigrationFS); err != nil {
		return err
	}

	vlt, err := vault.Open(database, keyFilePath(cfg))
	if err != nil {
		return err
	}
	return vlt.Save(record)
}
