package transport

// PerfCounter tracks transfer counts and errors for one dispatcher instance. The
// source keeps this on the dispatcher so every subsystem (transfer sender, RX
// pipeline) can report into the same tally.
type PerfCounter struct {
	TxTransfers uint64
	RxTransfers uint64
	Errors      uint64
}

func (p *PerfCounter) addTxTransfer() { p.TxTransfers++ }
func (p *PerfCounter) addRxTransfer() { p.RxTransfers++ }
func (p *PerfCounter) addError()      { p.Errors++ }
