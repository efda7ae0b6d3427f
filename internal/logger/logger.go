// Package logger initializes and configures the global zerolog instance.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// OutputFile selects the log file inside the data directory.
const OutputFile = "file"

// FileName is the log file name used for OutputFile.
const FileName = "fluster.log"

// Config holds configuration options for the application logger.
type Config struct {
	Level  string `long:"level" env:"LEVEL" description:"Log level (trace, debug, info, warn, error)" default:"info" json:"level"`
	Format string `long:"format" env:"FORMAT" description:"Log format (console or json)" default:"console" json:"format"`
	Output string `long:"output" env:"OUTPUT" description:"Log output (stdout, stderr, file or a file path)" default:"stderr" json:"output"`
	Caller bool   `long:"caller" env:"CALLER" description:"Add the calling file and line to every entry" json:"caller"`
}

// Setup initializes the global logger based on the provided configuration options.
// logsDir resolves the "file" output. The returned closer releases the log file
// and is a no-op for standard streams.
func Setup(cfg Config, logsDir string) io.Closer {
	// Level
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Output Writer
	var (
		writer io.Writer
		closer io.Closer = nopCloser{}
	)
	switch cfg.Output {
	case "stdout":
		writer = os.Stdout
	case "stderr", "":
		writer = os.Stderr
	default:
		path := cfg.Output
		if path == OutputFile {
			path = filepath.Join(logsDir, FileName)
		}

		file, err := openFile(path)
		if err != nil {
			// Fallback to stderr if file fails
			tempLogger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
			tempLogger.Error().Err(err).Str("path", path).Msg("Failed to open log file, falling back to stderr")
			writer = os.Stderr
		} else {
			writer = file
			closer = file
		}
	}

	// Format
	var ctx zerolog.Context
	if cfg.Format == "json" {
		ctx = zerolog.New(writer).With().Timestamp()
	} else {
		consoleWriter := zerolog.ConsoleWriter{
			Out:        writer,
			TimeFormat: time.RFC3339,
		}

		// Detect colors: check if writer is file/tty AND NO_COLOR is not set
		if f, ok := writer.(*os.File); ok {
			if os.Getenv("NO_COLOR") != "" || !isTerminal(f) {
				consoleWriter.NoColor = true
			}
		}

		ctx = zerolog.New(consoleWriter).With().Timestamp()
	}

	if cfg.Caller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()

	return closer
}

func openFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
}

// isTerminal checks if the provided file descriptor refers to a character device (terminal).
func isTerminal(f *os.File) bool {
	stat, err := f.Stat()
	if err != nil {
		return false
	}

	return (stat.Mode() & os.ModeCharDevice) != 0
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
