package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ComponentLogger tags the process logger with the bridge instance name.
func ComponentLogger(bridge string) zerolog.Logger {
	return log.Logger.With().Str("bridge", bridge).Logger()
}
