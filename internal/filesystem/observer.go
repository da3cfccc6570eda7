package filesystem

// Observer records filesystem operation metrics. The metrics package provides
// the implementation so that this package stays free of Prometheus imports.
type Observer interface {
	// ObserveOperation records duration and error status of a single call.
	// volume is the resolved label ("input", "output", "state").
	// operation is one of "stat", "readdir", "rename", "sync".
	ObserveOperation(volume, operation string, durationSeconds float64, err error)

	ObserveRetryAttempt(retryOp, volume string)
	ObserveRetrySuccess(retryOp, volume string)
	ObserveRetryFailure(retryOp, volume string)
	ObserveRetryDuration(retryOp, volume string, durationSeconds float64)
	ObserveStaleError(retryOp, volume string)
}

// defaultObserver is the package-level observer set at startup.
// If nil, metric recording is silently skipped (safe for tests).
var defaultObserver Observer

// SetObserver sets the package-level metrics observer.
// Call this once at startup after creating the observer implementation.
func SetObserver(o Observer) {
	defaultObserver = o
}

func observe() Observer {
	return defaultObserver
}
