package transcribe

import (
	"context"
	"fmt"
	"os"
	"time"
)

const cleanupWorkerInterval = time.Hour

// CleanupExpired removes stored audio files older than maxAge and returns how
// many were removed. Files not produced by Save are left alone.
func (w *WhisperTranscriber) CleanupExpired(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, fmt.Errorf("read audio dir: %w", err)
	}
	cutoff := w.now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !filenamePattern.MatchString(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			w.remove(entry.Name())
			removed++
		}
	}
	return removed, nil
}

// StartCleanupWorker periodically removes audio files older than maxAge
// until ctx is done.
func (w *WhisperTranscriber) StartCleanupWorker(ctx context.Context, maxAge time.Duration) {
	w.startCleanupWorker(ctx, maxAge, cleanupWorkerInterval)
}

func (w *WhisperTranscriber) startCleanupWorker(ctx context.Context, maxAge, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		w.logger.Info("Audio cleanup worker started", "interval", interval, "max_age", maxAge)

		for {
			select {
			case <-ticker.C:
				removed, err := w.CleanupExpired(maxAge)
				if err != nil {
					w.logger.Error("Audio cleanup worker failed", "error", err)
					continue
				}
				if removed > 0 {
					w.logger.Info("Audio cleanup worker removed old recordings", "count", removed)
				}
			case <-ctx.Done():
				w.logger.Info("Audio cleanup worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
