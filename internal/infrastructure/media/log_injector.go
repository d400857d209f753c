package media

import (
	"deskbridge/internal/core/domain"
	"deskbridge/internal/core/ports"

	"go.uber.org/zap"
)

// LogInjector records permitted input without touching the platform. It is
// the injector used when no platform backend is linked in.
type LogInjector struct {
	logger *zap.SugaredLogger
}

var _ ports.InputInjector = (*LogInjector)(nil)

func NewLogInjector(logger *zap.SugaredLogger) *LogInjector {
	return &LogInjector{logger: logger}
}

func (i *LogInjector) Inject(event domain.InputEvent) error {
	i.logger.Debugw("input event",
		"kind", event.Kind,
		"sequence", event.Sequence,
		"x", event.X,
		"y", event.Y,
		"key_code", event.KeyCode,
	)
	return nil
}

func (i *LogInjector) Execute(cmd domain.DeviceCommand) error {
	i.logger.Infow("device command acknowledged",
		"kind", cmd.Kind,
		"sequence", cmd.Sequence,
	)
	return nil
}
