// Package broadcast fans one stored message out to every active subscriber.
//
// A run snapshots the active subscribers, delivers to them one at a time,
// deactivates any subscriber whose delivery fails, reports progress every
// Config.ProgressEvery recipients and pauses every Config.PauseEvery
// recipients. A final report is always emitted unless the store fails.
package broadcast
