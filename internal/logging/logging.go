package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	LevelKey   = "log.level"
	FormatKey  = "log.format"
	NoColorKey = "log.no_color"

	FormatConsole = "console"
	FormatJSON    = "json"
)

// InitDefault installs a console logger at info level. It is used until the
// configuration has been read.
func InitDefault() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = newLogger(os.Stderr, FormatConsole, false)
}

// Init configures the global logger from the log.* keys of v.
// A nil v uses the global viper instance.
func Init(v *viper.Viper) {
	if v == nil {
		v = viper.GetViper()
	}

	level, err := zerolog.ParseLevel(strings.ToLower(v.GetString(LevelKey)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = newLogger(os.Stderr, v.GetString(FormatKey), v.GetBool(NoColorKey))
	if err != nil {
		log.Warn().Str("level", v.GetString(LevelKey)).Msg("unknown log level, using info")
	}
}

func newLogger(w io.Writer, format string, noColor bool) zerolog.Logger {
	if strings.EqualFold(format, FormatJSON) {
		return zerolog.New(w).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        w,
		NoColor:    noColor,
		TimeFormat: time.TimeOnly,
	}).With().Timestamp().Logger()
}
