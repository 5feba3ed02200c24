// Package file implements the chunked batch transfer engine for PeerBeam.
//
// The engine splits files into fixed-size chunks, ships them over the
// authenticated connection, and reassembles them on the far side with
// per-chunk checksum verification. It tracks per-file and batch progress,
// including a sliding-window transfer speed and time-remaining estimate,
// and supports cooperative cancellation between chunks.
//
// Example:
//
//	engine := file.NewEngine(conn, file.DefaultEngineConfig())
//	engine.OnBatchProgress(func(p file.BatchProgress) {
//	    fmt.Printf("batch: %.1f%%\n", p.OverallPercentage)
//	})
//	result, err := engine.SendFiles(files)
package file
