package core

// DMAUsage tells the engine how eagerly to use DMA for a transfer.
// The first three values are the caller vocabulary; the last two name
// the engine's own channel-holding states and are accepted as hints
// for compatibility with callers that echo a previous state back.
type DMAUsage uint8

const (
	// DMANever always drives the transfer from the FIFO interrupts.
	DMANever DMAUsage = iota
	// DMAOpportunistic uses a DMA channel when one is free and hands
	// it back as soon as the transfer ends.
	DMAOpportunistic
	// DMAAlways acquires a channel and keeps it across transfers.
	DMAAlways
	// DMATemporary is the held-for-one-transfer bookkeeping state.
	DMATemporary
	// DMAAllocated is the held-across-transfers bookkeeping state.
	DMAAllocated
)

// DMAJob describes one contiguous piece of a transfer for a channel.
// Tx nil means every word is the fill value; Rx nil means incoming
// words are discarded. Non-nil views cover exactly Words words.
type DMAJob struct {
	Tx    []byte // source bytes, or nil for fill
	Rx    []byte // destination bytes, or nil for discard
	Elem  uint8  // bytes per word: 1, 2 or 4
	Words int    // words to clock
	Fill  uint32 // value clocked out when Tx is nil
}

// DMAChannel is one claimed channel of a platform DMA controller.
// Completion is signalled through the platform's DMA interrupt, which
// target code routes to the owning engine's Service method.
type DMAChannel interface {
	// Start programs the channel for job and begins the transfer.
	Start(job DMAJob) error
	// Abort stops the channel, discarding any words in flight.
	Abort()
	// Busy reports whether a started job is still moving data.
	Busy() bool
	// Fault reads and clears the channel error flag.
	Fault() bool
	// MaxWords returns the largest job one descriptor can carry,
	// or 0 when there is no practical limit.
	MaxWords() int
}

// DMAPool hands out channels. Acquire may fail when every channel is
// claimed; the engine then falls back to interrupt-driven operation.
type DMAPool interface {
	Acquire(hint DMAUsage) (DMAChannel, bool)
	Release(ch DMAChannel)
}
