package logging

// WithAccount returns a logger that tags log lines with an account key so
// interleaved per-account goroutines stay attributable in the shared log.
func WithAccount(logger Logger, accountKey string) Logger {
	if IsNil(logger) {
		return Nop()
	}
	if accountKey == "" {
		return logger
	}
	return &taggedLogger{logger: logger, tag: accountKey}
}

type taggedLogger struct {
	logger Logger
	tag    string
}

func prefixTag(tag, format string) string {
	return "[" + tag + "] " + format
}

func (l *taggedLogger) Debug(format string, args ...any) {
	l.logger.Debug(prefixTag(l.tag, format), args...)
}

func (l *taggedLogger) Info(format string, args ...any) {
	l.logger.Info(prefixTag(l.tag, format), args...)
}

func (l *taggedLogger) Warn(format string, args ...any) {
	l.logger.Warn(prefixTag(l.tag, format), args...)
}

func (l *taggedLogger) Error(format string, args ...any) {
	l.logger.Error(prefixTag(l.tag, format), args...)
}
