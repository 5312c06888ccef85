package speechos

// DiagnosticSource tags where a diagnostic event originated.
type DiagnosticSource string

const (
	SourceTimeout   DiagnosticSource = "timeout"
	SourceServer    DiagnosticSource = "server"
	SourceTransport DiagnosticSource = "transport"
	SourceClient    DiagnosticSource = "client"
)

// DiagnosticSeverity distinguishes fatal rejections from advisory warnings.
type DiagnosticSeverity string

const (
	SeverityError   DiagnosticSeverity = "error"
	SeverityWarning DiagnosticSeverity = "warning"
)

// DiagnosticEvent is a non-blocking notification emitted alongside promise
// rejection. It is never the only way a caller learns of a failure: every
// error event corresponds to a rejected result somewhere.
type DiagnosticEvent struct {
	Code     string
	Message  string
	Source   DiagnosticSource
	Severity DiagnosticSeverity
}

type diagnosticEmitter struct {
	ch chan DiagnosticEvent
}

func newDiagnosticEmitter() *diagnosticEmitter {
	return &diagnosticEmitter{ch: make(chan DiagnosticEvent, 64)}
}

func (e *diagnosticEmitter) emit(event DiagnosticEvent) {
	if event.Severity == "" {
		event.Severity = SeverityError
	}
	select {
	case e.ch <- event:
	default:
		// Avoid blocking session paths if the caller stops consuming.
	}
}
