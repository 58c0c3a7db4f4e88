package broadcast

import "errors"

var (
	// ErrRunInProgress is returned by Run while another run is in flight.
	ErrRunInProgress = errors.New("broadcast already running")
	// ErrStore wraps subscriber store failures. A run that hits one stops
	// without a final report.
	ErrStore = errors.New("subscriber store error")
)
