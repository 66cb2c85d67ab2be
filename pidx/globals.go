package internal

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	DefaultAppName        = "pidx"
	DefaultAppCMDShortCut = "pidx"
	DefaultConfigPath     = filepath.Join(getHomeDir(), ".config", DefaultAppName)
	DefaultDatabasePath   = filepath.Join(DefaultConfigPath, "pages.db")
	DefaultConfigFile     = filepath.Join(DefaultConfigPath, "config.yaml")
	DefaultIgnoreFile     = "." + DefaultAppName + "-ignore"

	// Default Database settings
	DefaultDatabaseDSN  = "file:" + DefaultDatabasePath
	DefaultDatabaseType = "libsql"

	// Default server and resolver settings
	DefaultListenAddr       = ":8080"
	DefaultMetricsPath      = "/metrics"
	DefaultLanguageID       = 1
	DefaultPageExtensions   = []string{".aspx"}
	DefaultRetryAfter       = 10 * time.Second
	DefaultLanguageHeader   = "X-Language-Id"
	DefaultBuildConcurrency = 4
)

func getHomeDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		cwd, cwdErr := os.Getwd()
		if cwdErr != nil {
			log.Printf("Unable to get home or working directory, using /tmp: %v", err)
			return "/tmp"
		}
		log.Printf("Unable to get home directory, using current working directory: %v", err)
		return cwd
	}
	return homeDir
}

// GetLogger returns a properly configured zerolog logger instance
func GetLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// NewLogger builds the process logger from the configured level and output style.
// Unknown levels fall back to info.
func NewLogger(w io.Writer, level string, pretty bool) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(w).Level(lvl).With().
		Timestamp().
		Str("service", DefaultAppName).
		Logger()
}
