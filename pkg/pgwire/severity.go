package pgwire

// Severity is the severity field of ErrorResponse and NoticeResponse messages.
type Severity string

const (
	// ErrorResponse severities.
	Error      Severity = "ERROR"
	ErrorFatal Severity = "FATAL"
	ErrorPanic Severity = "PANIC"

	// NoticeResponse severities.
	Notice        Severity = "NOTICE"
	NoticeWarning Severity = "WARNING"
	NoticeInfo    Severity = "INFO"
	NoticeDebug   Severity = "DEBUG"
	NoticeLog     Severity = "LOG"
)
