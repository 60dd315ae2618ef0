package transport

import (
	"fmt"
	"time"
)

// CanIOFlags carries driver-level hints alongside a compiled frame.
type CanIOFlags uint8

const (
	// CanIOFlagAbortOnError asks the driver to drop the whole transfer rather
	// than retry if this frame cannot be sent, used for anonymous transfers
	// where a stale duplicate would be worse than a dropped one.
	CanIOFlagAbortOnError CanIOFlags = 1 << iota
)

// FrameSink is the external CAN driver collaborator: it accepts one compiled
// CANFrame for transmission before deadline. The driver, its hardware filters and
// queuing are out of scope for this core.
type FrameSink interface {
	Send(frame CANFrame, deadline time.Time, flags CanIOFlags) error
}

// Sender segments application payloads into frames and dispatches them to a
// FrameSink, enforcing the passive-mode rule and multi-frame CRC prefixing
// described in the transfer layer design.
type Sender struct {
	cfg      Config
	sink     FrameSink
	Perf     *PerfCounter
	Registry *OutgoingTransferRegistry

	// MaxTransferInterval informs the outgoing-transfer registry's entry
	// lifetime: max(2*MaxTransferInterval, MinEntryLifetime) past last use.
	MaxTransferInterval time.Duration
}

func NewSender(cfg Config, sink FrameSink) *Sender {
	if !cfg.validate() {
		panic("transport: invalid Config")
	}
	return &Sender{
		cfg:      cfg,
		sink:     sink,
		Perf:     &PerfCounter{},
		Registry: &OutgoingTransferRegistry{},
	}
}

// Send transmits payload as one or more frames, using the TID and other metadata
// already set on frame (frame.Src, frame.Dst, frame.Kind, frame.DataTypeID,
// frame.TID, frame.Priority). It returns the number of CAN frames transmitted.
func (s *Sender) Send(frame *Frame, payload []byte, txDeadline time.Time) (int, error) {
	if frame == nil {
		return 0, ErrInvalidArgument
	}
	frame.Start = true

	passive := frame.Src.IsUnset()
	if passive {
		allow := frame.Kind == KindMessageBroadcast && len(payload) <= GuaranteedPayloadLenPerFrame
		if !allow {
			return 0, ErrPassiveMode
		}
	}

	s.Perf.addTxTransfer()

	if len(payload) <= GuaranteedPayloadLenPerFrame {
		return s.sendSingleFrame(frame, payload, txDeadline)
	}

	if passive {
		// Unreachable given the guard above, kept for defense in depth.
		return 0, ErrPassiveMode
	}
	return s.sendMultiFrame(frame, payload, txDeadline)
}

// SendAuto pulls the next TID for (dataType, kind, dst) from the outgoing-transfer
// registry, then sends as Send would. Used for transfers where the caller doesn't
// track its own per-destination TID sequence.
func (s *Sender) SendAuto(local NodeID, dataType PortID, kind TxKind, dst NodeID, priority TransferPriority, payload []byte, now, txDeadline time.Time) (int, error) {
	key := RegistryKey{DataTypeID: dataType, Kind: kind, Node: dst}
	lifetime := s.MaxTransferInterval * 2
	if lifetime < MinEntryLifetime {
		lifetime = MinEntryLifetime
	}
	tid := s.Registry.AccessOrCreate(key, now, now.Add(lifetime))
	if tid == nil {
		return 0, ErrMemory
	}
	thisTID := *tid
	*tid = tid.Increment(s.cfg)

	frame := &Frame{
		Priority:   priority,
		Kind:       kind,
		DataTypeID: dataType,
		Src:        local,
		Dst:        dst,
		TID:        thisTID,
	}
	return s.Send(frame, payload, txDeadline)
}

func (s *Sender) sendSingleFrame(frame *Frame, payload []byte, txDeadline time.Time) (int, error) {
	n := frame.SetPayload(payload)
	if n != len(payload) {
		s.Perf.addError()
		return 0, ErrLogic
	}
	frame.End = true
	frame.Toggle = false

	var can CANFrame
	if !frame.Compile(s.cfg, &can) {
		s.Perf.addError()
		return 0, ErrLogic
	}
	flags := CanIOFlags(0)
	if !frame.Src.IsUnicast(s.cfg) {
		flags |= CanIOFlagAbortOnError
	}
	if err := s.sink.Send(can, txDeadline, flags); err != nil {
		s.Perf.addError()
		return 0, fmt.Errorf("%w: %w", ErrDriverFailure, err)
	}
	return 1, nil
}

func (s *Sender) sendMultiFrame(frame *Frame, payload []byte, txDeadline time.Time) (int, error) {
	crc := s.multiFrameCRC(frame, payload)

	numSent := 0
	tid := frame.TID
	if frame.AutoIncTID {
		tid = frame.BaseTID
	}

	// First frame: CRC prefix (little-endian) followed by payload up to capacity.
	var crcBuf [6]byte
	crcLen := putCRCLE(crcBuf[:], frame.CRCWidth, crc)
	offset := 0
	buf := make([]byte, 0, crcLen+GuaranteedPayloadLenPerFrame)
	buf = append(buf, crcBuf[:crcLen]...)
	remainingCapInFirst := GuaranteedPayloadLenPerFrame - crcLen
	if remainingCapInFirst > len(payload) {
		remainingCapInFirst = len(payload)
	}
	buf = append(buf, payload[:remainingCapInFirst]...)
	offset = remainingCapInFirst

	frame.TID = tid
	frame.Start = true
	frame.Toggle = false
	frame.End = offset >= len(payload)
	n, err := s.writeAndSend(frame, buf, txDeadline)
	if err != nil {
		return 0, err
	}
	numSent += n

	for offset < len(payload) {
		if frame.AutoIncTID {
			tid = tid.Increment(s.cfg)
		}
		frame.TID = tid
		frame.Start = false
		frame.Toggle = !frame.Toggle

		end := offset + GuaranteedPayloadLenPerFrame
		if end > len(payload) {
			end = len(payload)
		}
		frame.End = end >= len(payload)

		n, err := s.writeAndSend(frame, payload[offset:end], txDeadline)
		if err != nil {
			return numSent, err
		}
		numSent += n
		offset = end
	}
	return numSent, nil
}

func (s *Sender) writeAndSend(frame *Frame, chunk []byte, txDeadline time.Time) (int, error) {
	n := frame.SetPayload(chunk)
	if n != len(chunk) {
		s.Perf.addError()
		return 0, ErrLogic
	}
	var can CANFrame
	if !frame.Compile(s.cfg, &can) {
		s.Perf.addError()
		return 0, ErrLogic
	}
	// Multi-frame transfers require a unicast source (enforced by the Send
	// caller), so AbortOnError never applies here.
	if err := s.sink.Send(can, txDeadline, 0); err != nil {
		s.Perf.addError()
		return 0, fmt.Errorf("%w: %w", ErrDriverFailure, err)
	}
	return 1, nil
}

func (s *Sender) multiFrameCRC(frame *Frame, payload []byte) uint64 {
	switch frame.CRCWidth {
	case 32:
		return uint64(NewCRC32().Add(payload).Get())
	case 48:
		return NewCRC48().Add(payload).Get()
	default:
		return uint64(NewCRC16().Add(payload).Get())
	}
}

// putCRCLE writes the CRC value in little-endian byte order sized to width bits,
// returning the number of bytes written (2, 4, or 6).
func putCRCLE(buf []byte, width uint8, value uint64) int {
	var n int
	switch width {
	case 32:
		n = 4
	case 48:
		n = 6
	default:
		n = 2
	}
	for i := 0; i < n; i++ {
		buf[i] = byte(value >> (8 * i))
	}
	return n
}
