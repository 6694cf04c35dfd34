// Package logx builds the service's zerolog loggers.
package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns a console logger at the given level ("debug", "info",
// "warn", "error"). An empty level means info.
func NewLogger(level string) (zerolog.Logger, error) {
	return newLogger(os.Stdout, level)
}

func newLogger(out io.Writer, level string) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if level != "" {
		var err error
		lvl, err = zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("log level %q: %w", level, err)
		}
	}

	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}
	zerolog.CallerMarshalFunc = shortCaller
	return zerolog.New(output).Level(lvl).With().Timestamp().Caller().Logger(), nil
}

// shortCaller keeps only the file name, padded for alignment.
func shortCaller(pc uintptr, file string, line int) string {
	if i := strings.LastIndexByte(file, '/'); i >= 0 {
		file = file[i+1:]
	}
	return fmt.Sprintf("%-24s", fmt.Sprintf("%s:%d", file, line))
}
