package runtime

// PanicPolicy decides what happens after a panic has been logged and recorded.
type PanicPolicy int

const (
	// KeepRunning swallows the panic; the goroutine ends, the process continues.
	KeepRunning PanicPolicy = iota
	// CrashProcess re-panics after logging.
	CrashProcess
)

// String returns the policy name.
func (p PanicPolicy) String() string {
	switch p {
	case KeepRunning:
		return "KeepRunning"
	case CrashProcess:
		return "CrashProcess"
	default:
		return "Unknown"
	}
}
