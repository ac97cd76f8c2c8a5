package core

// DebugWriter is a function type for writing debug messages
type DebugWriter func(string)

// TraceEvent captures one transfer engine event for post-mortem
// analysis. Recording is non-blocking so it is safe on the interrupt
// path.
type TraceEvent struct {
	Kind uint8  // event type code
	Tag  uint8  // engine tag (bridge object id)
	A    uint32 // context-dependent value
	B    uint32 // context-dependent value
}

// Trace event type codes
const (
	evtXferBegin    = 1 // transfer started (A=total words, B=dma hint)
	evtXferChunk    = 2 // one DMA piece of a split transfer done
	evtXferDone     = 3 // transfer terminated (A=surfaced mask)
	evtXferAbort    = 4 // transfer cancelled
	evtXferFallback = 5 // DMA refused, interrupt path taken
)

const (
	TraceRingSize = 32 // keep the last 32 events for post-mortem
)

var (
	// debugPrintln is the global debug print function (can be set by platform code)
	debugPrintln DebugWriter = func(s string) {} // No-op by default

	// debugEnabled controls whether debug output is active
	// Disabled by default for performance
	debugEnabled bool = false

	// Trace capture ring buffer (non-blocking, for post-mortem)
	traceRing     [TraceRingSize]TraceEvent
	traceRingHead uint8
	traceEnabled  bool = true // always capture engine events

	// Count of transfers that reached termination
	traceXferCount uint32

	// Async debug output channel
	debugChan chan string
)

// SetDebugWriter sets the platform-specific debug output function
// This allows platforms to redirect debug output to UART, USB, etc.
func SetDebugWriter(writer DebugWriter) {
	debugPrintln = writer
}

// SetDebugEnabled enables or disables debug output
// Useful for benchmarks where debug output would affect timing
func SetDebugEnabled(enabled bool) {
	debugEnabled = enabled
}

// IsDebugEnabled returns whether debug output is enabled
func IsDebugEnabled() bool {
	return debugEnabled
}

// SetTraceEnabled enables or disables trace capture.
func SetTraceEnabled(enabled bool) {
	traceEnabled = enabled
}

// InitAsyncDebug starts the async debug output goroutine
// Call this from main() after SetDebugWriter
func InitAsyncDebug() {
	debugChan = make(chan string, 16) // Buffer 16 messages
	go debugOutputWorker()
}

// debugOutputWorker runs in background, drains debug channel
func debugOutputWorker() {
	for msg := range debugChan {
		if debugPrintln != nil {
			debugPrintln(msg)
		}
	}
}

// DebugPrintln writes a debug message using the platform-specific writer
// Blocks if debug is enabled (use DebugAsync for non-blocking)
func DebugPrintln(msg string) {
	if debugEnabled && debugPrintln != nil {
		debugPrintln(msg)
	}
}

// DebugAsync queues a debug message for async output (non-blocking)
// Returns immediately even if channel is full (drops message)
func DebugAsync(msg string) {
	if debugChan != nil {
		select {
		case debugChan <- msg:
		default:
			// Channel full, drop message (non-blocking)
		}
	}
}

// trace records an engine event in the ring buffer. Always
// non-blocking and cheap enough for interrupt context.
func trace(kind, tag uint8, a, b uint32) {
	if !traceEnabled {
		return
	}
	idx := traceRingHead
	traceRing[idx] = TraceEvent{Kind: kind, Tag: tag, A: a, B: b}
	traceRingHead = (idx + 1) % TraceRingSize
	if kind == evtXferDone {
		traceXferCount++
	}
}

// TransferCount returns the number of transfers that terminated since
// the last ClearTraceRing.
func TransferCount() uint32 {
	return traceXferCount
}

// DumpTraceRing outputs the trace ring buffer (call on shutdown/error)
// This should be called from a goroutine or after stopping time-critical code
func DumpTraceRing() {
	if debugPrintln == nil {
		return
	}

	debugPrintln("[TRACE] === Transfer Ring Dump ===")
	debugPrintln("[TRACE] Transfers completed: " + utoa(traceXferCount))

	// Read from oldest to newest
	start := traceRingHead
	for i := uint8(0); i < TraceRingSize; i++ {
		idx := (start + i) % TraceRingSize
		evt := &traceRing[idx]
		if evt.Kind == 0 {
			continue // empty slot
		}

		var name string
		switch evt.Kind {
		case evtXferBegin:
			name = "XFER_BEGIN"
		case evtXferChunk:
			name = "XFER_CHUNK"
		case evtXferDone:
			name = "XFER_DONE"
		case evtXferAbort:
			name = "XFER_ABORT"
		case evtXferFallback:
			name = "DMA_FALLBACK"
		default:
			name = "UNKNOWN"
		}

		debugPrintln("[TRACE] " + name +
			" tag=" + itoa(int(evt.Tag)) +
			" a=" + utohex(evt.A) +
			" b=" + utoa(evt.B))
	}
	debugPrintln("[TRACE] === End Dump ===")
}

// ClearTraceRing clears the trace buffer and the transfer counter.
func ClearTraceRing() {
	for i := range traceRing {
		traceRing[i] = TraceEvent{}
	}
	traceRingHead = 0
	traceXferCount = 0
}
