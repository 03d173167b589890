package wallet

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

func setupLogger(config Config) *slog.Logger {
	if config.Logger != nil {
		return config.Logger
	}

	var writer io.Writer = os.Stderr
	level := slog.LevelInfo
	switch config.LogLevel {
	case Debug:
		level = slog.LevelDebug
	case Disable:
		writer = io.Discard
	}

	return slog.New(slog.NewTextHandler(writer, &slog.HandlerOptions{Level: level}))
}

func (w *Wallet) logInfof(format string, args ...any) {
	w.logger.Info(fmt.Sprintf(format, args...))
}

func (w *Wallet) logDebugf(format string, args ...any) {
	w.logger.Debug(fmt.Sprintf(format, args...))
}

func (w *Wallet) logWarnf(format string, args ...any) {
	w.logger.Warn(fmt.Sprintf(format, args...))
}

func (w *Wallet) logErrorf(format string, args ...any) {
	w.logger.Error(fmt.Sprintf(format, args...))
}
