// Package metrics keeps in-process counters for a single tradebars run: HTTP
// traffic against the exchanges, downloaded archive bytes, and bars written
// to sinks. A Snapshot is logged when the command finishes.
package metrics

import (
	"runtime"
	"sync/atomic"
	"time"
)

// Recorder accumulates run counters. All methods are safe for concurrent
// use; a nil *Recorder discards everything.
type Recorder struct {
	startTime time.Time

	requestCount  int64
	errorCount    int64
	bytesReceived int64
	barsWritten   int64
	archives      int64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Timestamp     time.Time     `json:"timestamp"`
	Uptime        time.Duration `json:"uptime"`
	RequestCount  int64         `json:"request_count"`
	ErrorCount    int64         `json:"error_count"`
	ErrorRate     float64       `json:"error_rate"`
	BytesReceived int64         `json:"bytes_received"`
	Archives      int64         `json:"archives"`
	BarsWritten   int64         `json:"bars_written"`
	SystemMetrics SystemMetrics `json:"system_metrics"`
}

// SystemMetrics represents runtime memory and scheduler figures
type SystemMetrics struct {
	GoroutineCount int    `json:"goroutine_count"`
	HeapAlloc      uint64 `json:"heap_alloc"`
	HeapSys        uint64 `json:"heap_sys"`
	NumGC          uint32 `json:"num_gc"`
}

// NewRecorder creates a recorder whose uptime starts now.
func NewRecorder() *Recorder {
	return &Recorder{startTime: time.Now()}
}

// RecordRequest counts one HTTP attempt. failed is true for transport errors
// and non-200 responses.
func (r *Recorder) RecordRequest(failed bool) {
	if r == nil {
		return
	}
	atomic.AddInt64(&r.requestCount, 1)
	if failed {
		atomic.AddInt64(&r.errorCount, 1)
	}
}

// RecordBytes adds n downloaded body bytes.
func (r *Recorder) RecordBytes(n int64) {
	if r == nil || n <= 0 {
		return
	}
	atomic.AddInt64(&r.bytesReceived, n)
}

// RecordArchive counts one archive fetched and extracted.
func (r *Recorder) RecordArchive() {
	if r == nil {
		return
	}
	atomic.AddInt64(&r.archives, 1)
}

// RecordBars adds n bars handed to a sink.
func (r *Recorder) RecordBars(n int) {
	if r == nil || n <= 0 {
		return
	}
	atomic.AddInt64(&r.barsWritten, int64(n))
}

// Snapshot returns the current counters.
func (r *Recorder) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{Timestamp: time.Now()}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	s := Snapshot{
		Timestamp:     time.Now(),
		Uptime:        time.Since(r.startTime),
		RequestCount:  atomic.LoadInt64(&r.requestCount),
		ErrorCount:    atomic.LoadInt64(&r.errorCount),
		BytesReceived: atomic.LoadInt64(&r.bytesReceived),
		Archives:      atomic.LoadInt64(&r.archives),
		BarsWritten:   atomic.LoadInt64(&r.barsWritten),
		SystemMetrics: SystemMetrics{
			GoroutineCount: runtime.NumGoroutine(),
			HeapAlloc:      mem.HeapAlloc,
			HeapSys:        mem.HeapSys,
			NumGC:          mem.NumGC,
		},
	}
	if s.RequestCount > 0 {
		s.ErrorRate = float64(s.ErrorCount) / float64(s.RequestCount)
	}
	return s
}

// LogAttrs flattens the snapshot into slog key/value pairs.
func (s Snapshot) LogAttrs() []any {
	return []any{
		"uptime", s.Uptime,
		"requests", s.RequestCount,
		"request_errors", s.ErrorCount,
		"error_rate", s.ErrorRate,
		"bytes_received", s.BytesReceived,
		"archives", s.Archives,
		"bars_written", s.BarsWritten,
		"goroutines", s.SystemMetrics.GoroutineCount,
		"heap_alloc", s.SystemMetrics.HeapAlloc,
	}
}
