package emit

import "go.uber.org/zap"

// ZapEmitter bridges workflow events into a zap structured logger, for
// services that already route zap output to their logging pipeline.
//
// Events are logged at Info level under the event's Msg, with run/step/node
// as typed fields and Meta flattened alongside them.
type ZapEmitter struct {
	log *zap.Logger
}

// NewZapEmitter creates a ZapEmitter. A nil logger defaults to zap.NewNop so
// the emitter is always safe to call.
func NewZapEmitter(log *zap.Logger) *ZapEmitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &ZapEmitter{log: log}
}

// Emit implements Emitter.
func (z *ZapEmitter) Emit(event Event) {
	fields := make([]zap.Field, 0, 3+len(event.Meta))
	fields = append(fields,
		zap.String("run_id", event.RunID),
		zap.Int("step", event.Step),
		zap.String("node", event.Node),
	)
	for k, v := range event.Meta {
		fields = append(fields, zap.Any(k, v))
	}
	z.log.Info(event.Msg, fields...)
}

// Sync flushes buffered log entries. Call before shutdown.
func (z *ZapEmitter) Sync() error {
	return z.log.Sync()
}
