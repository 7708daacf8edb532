package kernel

// Argument positions of the entry point. The order is part of the kernel's
// contract with every backend.
const (
	ArgStartHigh = iota
	ArgStartLow
	ArgCandidate
	ArgFound
	ArgCount
)

const (
	// CandidateSize is the capacity of the candidate text output region.
	CandidateSize = 120
	// FoundSize is the size of the found flag output region.
	FoundSize = 1
	// FoundSentinel is the flag value a matching lane writes.
	FoundSentinel byte = 0x01
)
