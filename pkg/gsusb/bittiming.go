package gsusb

// Bit timing lookup tables. Segment counts are quantized: a bit is built
// from an integer number of time quanta (1 sync + prop + phase1 + phase2),
// so achievable sample points are clock-specific integer solutions. The
// tables hold known-good solutions matching what the hardware expects
// rather than searching; a (clock, bitrate) pair without an entry is
// unsupported, never approximated.
//
// Nominal entries target an 87.5% sample point. Ported from cangaroo's
// CandleApiInterface; cross-checkable at http://www.bittiming.can-wiki.info.
// Data-phase entries target 70-80%, the usual range for the accelerated
// payload region.

type timingKey struct {
	clockHz uint32
	bitrate uint32
}

type timingEntry struct {
	phaseSeg1 uint32
	phaseSeg2 uint32
	brp       uint32
}

var nominalTimings = map[timingKey]timingEntry{
	// 48 MHz core clock, 16 TQ except where noted
	{48000000, 10000}:   {12, 2, 300},
	{48000000, 20000}:   {12, 2, 150},
	{48000000, 50000}:   {12, 2, 60},
	{48000000, 83333}:   {12, 2, 36},
	{48000000, 100000}:  {12, 2, 30},
	{48000000, 125000}:  {12, 2, 24},
	{48000000, 250000}:  {12, 2, 12},
	{48000000, 500000}:  {12, 2, 6},
	{48000000, 800000}:  {11, 2, 4}, // 15 TQ
	{48000000, 1000000}: {12, 2, 3},

	// 80 MHz core clock
	{80000000, 10000}:   {12, 2, 500},
	{80000000, 20000}:   {12, 2, 250},
	{80000000, 50000}:   {12, 2, 100},
	{80000000, 83333}:   {12, 2, 60},
	{80000000, 100000}:  {12, 2, 50},
	{80000000, 125000}:  {12, 2, 40},
	{80000000, 250000}:  {12, 2, 20},
	{80000000, 500000}:  {12, 2, 10},
	{80000000, 800000}:  {7, 1, 10}, // 10 TQ, 90%
	{80000000, 1000000}: {12, 2, 5},

	// 40 MHz core clock (CF3 / TCAN4550)
	{40000000, 10000}:   {12, 2, 250},
	{40000000, 20000}:   {12, 2, 125},
	{40000000, 50000}:   {12, 2, 50},
	{40000000, 83333}:   {12, 2, 30},
	{40000000, 100000}:  {12, 2, 25},
	{40000000, 125000}:  {12, 2, 20},
	{40000000, 250000}:  {12, 2, 10},
	{40000000, 500000}:  {12, 2, 5},
	{40000000, 800000}:  {7, 1, 5}, // 800k does not divide 16 TQ; 10 TQ, 90%
	{40000000, 1000000}: {5, 1, 5}, // 8 TQ, 87.5%
}

var dataTimings = map[timingKey]timingEntry{
	// 80 MHz core clock
	{80000000, 2000000}: {4, 2, 5}, // 8 TQ, 75%
	{80000000, 4000000}: {1, 1, 5}, // 4 TQ, 75%
	{80000000, 5000000}: {4, 2, 2}, // 8 TQ, 75%
	{80000000, 8000000}: {2, 1, 2}, // 5 TQ, 80%

	// 40 MHz core clock
	{40000000, 2000000}:  {6, 2, 2}, // 10 TQ, 80%
	{40000000, 4000000}:  {2, 1, 2}, // 5 TQ, 80%
	{40000000, 5000000}:  {4, 2, 1}, // 8 TQ, 75%
	{40000000, 8000000}:  {2, 1, 1}, // 5 TQ, 80%
	{40000000, 10000000}: {1, 1, 1}, // 4 TQ, 75%
}

func solve(table map[timingKey]timingEntry, clockHz, bitrate uint32) (DeviceBitTiming, bool) {
	e, ok := table[timingKey{clockHz, bitrate}]
	if !ok {
		return DeviceBitTiming{}, false
	}
	return DeviceBitTiming{
		PropSeg:   1,
		PhaseSeg1: e.phaseSeg1,
		PhaseSeg2: e.phaseSeg2,
		SJW:       1,
		BRP:       e.brp,
	}, true
}

// SolveNominal returns the arbitration-phase timing for the given core
// clock and bitrate, or ok=false when the combination has no table entry.
func SolveNominal(clockHz, bitrate uint32) (DeviceBitTiming, bool) {
	return solve(nominalTimings, clockHz, bitrate)
}

// SolveData returns the CAN FD data-phase timing for the given core clock
// and bitrate, or ok=false when the combination has no table entry. Whether
// the device actually supports FD is checked by the caller against its
// feature report.
func SolveData(clockHz, bitrate uint32) (DeviceBitTiming, bool) {
	return solve(dataTimings, clockHz, bitrate)
}
