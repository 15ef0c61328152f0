package logx

import "fmt"

// CronLogger adapts Logger to cron.Logger. cron logs every wake-up at Info,
// so those go to debug here.
type CronLogger struct{ L Logger }

func (c CronLogger) Info(msg string, keysAndValues ...any) {
	c.L.Debug(msg, pairs(keysAndValues)...)
}

func (c CronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.L.Error(msg, append(pairs(keysAndValues), Err(err))...)
}

func pairs(kv []any) []Field {
	out := make([]Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
