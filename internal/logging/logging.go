package logging

import (
	"io"
	"log/slog"

	slogger "github.com/SENERGY-Platform/go-service-base/struct-logger"
	"github.com/SENERGY-Platform/go-service-base/struct-logger/attributes"
)

const project = "github.com/dyluth/secontrol"

// New builds the process logger. level and handler use the struct-logger
// names ("debug", "info", ... and "text", "json"); unknown values fall back
// to warn and the default handler.
func New(level, handler string, w io.Writer) *slog.Logger {
	options := &slog.HandlerOptions{
		AddSource: false,
		Level:     slogger.GetLevel(level, slog.LevelWarn),
	}
	h := slogger.GetHandler(handler, w, options, slog.Default().Handler())
	h = h.WithAttrs([]slog.Attr{
		slog.String(attributes.ProjectKey, project),
	})
	logger := slog.New(h)
	logger.Debug("logger initialised")
	return logger
}

// Err returns err as a log attribute under the struct-logger error key.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String(attributes.ErrorKey, "")
	}
	return slog.String(attributes.ErrorKey, err.Error())
}
