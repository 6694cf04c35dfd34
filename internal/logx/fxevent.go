package logx

import (
	"strings"

	"github.com/rs/zerolog"
	"go.uber.org/fx/fxevent"
)

// FxLogger routes fx lifecycle events through zerolog. Dependency graph
// chatter is logged at debug; hooks and failures at info and above.
type FxLogger struct {
	Log zerolog.Logger
}

var _ fxevent.Logger = (*FxLogger)(nil)

func (l *FxLogger) LogEvent(event fxevent.Event) {
	switch e := event.(type) {
	case *fxevent.OnStartExecuted:
		if e.Err != nil {
			l.Log.Error().Err(e.Err).Str("callee", e.FunctionName).Str("caller", e.CallerName).Msg("start hook failed")
			return
		}
		l.Log.Debug().Str("callee", e.FunctionName).Dur("runtime", e.Runtime).Msg("start hook executed")
	case *fxevent.OnStopExecuted:
		if e.Err != nil {
			l.Log.Error().Err(e.Err).Str("callee", e.FunctionName).Str("caller", e.CallerName).Msg("stop hook failed")
			return
		}
		l.Log.Debug().Str("callee", e.FunctionName).Dur("runtime", e.Runtime).Msg("stop hook executed")
	case *fxevent.Provided:
		if e.Err != nil {
			l.Log.Error().Err(e.Err).Str("constructor", e.ConstructorName).Msg("provide failed")
			return
		}
		l.Log.Debug().Str("constructor", e.ConstructorName).Str("types", strings.Join(e.OutputTypeNames, ",")).Msg("provided")
	case *fxevent.Invoked:
		if e.Err != nil {
			l.Log.Error().Err(e.Err).Str("function", e.FunctionName).Msg("invoke failed")
		}
	case *fxevent.Stopping:
		if e.Signal != nil {
			l.Log.Info().Str("signal", strings.ToUpper(e.Signal.String())).Msg("received signal")
		}
	case *fxevent.Stopped:
		if e.Err != nil {
			l.Log.Error().Err(e.Err).Msg("stop failed")
		}
	case *fxevent.RollingBack:
		l.Log.Error().Err(e.StartErr).Msg("start failed, rolling back")
	case *fxevent.RolledBack:
		if e.Err != nil {
			l.Log.Error().Err(e.Err).Msg("rollback failed")
		}
	case *fxevent.Started:
		if e.Err != nil {
			l.Log.Error().Err(e.Err).Msg("start failed")
			return
		}
		l.Log.Info().Msg("started")
	case *fxevent.LoggerInitialized:
		if e.Err != nil {
			l.Log.Error().Err(e.Err).Msg("custom logger initialization failed")
		}
	}
}
