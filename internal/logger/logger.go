package logger

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var once sync.Once

// Init configures the global zerolog logger. It is safe to call more than once;
// only the first call has any effect.
func Init(appName, logLevel string) {
	once.Do(func() {
		if logLevel == "" {
			logLevel = "INFO"
		}
		zerolog.SetGlobalLevel(ParseLevel(logLevel))
		log.Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "02-01-2006 15:04:05.000",
			FormatLevel: func(i interface{}) string {
				return strings.ToUpper(fmt.Sprintf("%-6s", i))
			},
		}).With().Timestamp().Caller().Str("app", appName).Logger()

		zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
			parts := strings.Split(file, "/")
			return parts[len(parts)-1] + ":" + strconv.Itoa(line)
		}
		log.Info().Str("level", zerolog.GlobalLevel().String()).Msg("Logger initialized!")
	})
}

// ParseLevel maps an upper-case level name to a zerolog level and panics on
// anything it does not recognise.
func ParseLevel(logLevel string) zerolog.Level {
	switch strings.ToUpper(logLevel) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "FATAL":
		return zerolog.FatalLevel
	case "PANIC":
		return zerolog.PanicLevel
	case "DISABLED":
		return zerolog.Disabled
	default:
		panic(fmt.Sprintf("incorrect log level %q", logLevel))
	}
}
