package vmcb

import "fmt"

// EventType is the TYPE field of EVENTINJ and EXITINTINFO.
type EventType uint8

const (
	EventExtInt    EventType = 0
	EventNMI       EventType = 2
	EventException EventType = 3
	EventSoftInt   EventType = 4
)

func (t EventType) String() string {
	switch t {
	case EventExtInt:
		return "extint"
	case EventNMI:
		return "nmi"
	case EventException:
		return "xcpt"
	case EventSoftInt:
		return "softint"
	default:
		return fmt.Sprintf("type%d", uint8(t))
	}
}

const (
	eventVectorMask   = 0xff
	eventTypeShift    = 8
	eventTypeMask     = 0x7 << eventTypeShift
	eventErrorValid   = 1 << 11
	eventValid        = 1 << 31
	eventErrCodeShift = 32
)

// Event is the decoded form of the EVENTINJ / EXITINTINFO encoding.
type Event struct {
	Vector       uint8
	Type         EventType
	HasErrorCode bool
	ErrorCode    uint32
}

// Encode packs the event into the architectural 64-bit format with the
// valid bit set.
func (e Event) Encode() uint64 {
	raw := uint64(e.Vector) | uint64(e.Type)<<eventTypeShift | eventValid
	if e.HasErrorCode {
		raw |= eventErrorValid | uint64(e.ErrorCode)<<eventErrCodeShift
	}
	return raw
}

// DecodeEvent unpacks raw. ok is false when the valid bit is clear.
func DecodeEvent(raw uint64) (e Event, ok bool) {
	if raw&eventValid == 0 {
		return Event{}, false
	}
	e.Vector = uint8(raw & eventVectorMask)
	e.Type = EventType((raw & eventTypeMask) >> eventTypeShift)
	if raw&eventErrorValid != 0 {
		e.HasErrorCode = true
		e.ErrorCode = uint32(raw >> eventErrCodeShift)
	}
	return e, true
}

func (e Event) String() string {
	if e.HasErrorCode {
		return fmt.Sprintf("%s:%d err=%#x", e.Type, e.Vector, e.ErrorCode)
	}
	return fmt.Sprintf("%s:%d", e.Type, e.Vector)
}

// Exception vectors.
const (
	XcptDE  uint8 = 0
	XcptDB  uint8 = 1
	XcptNMI uint8 = 2
	XcptBP  uint8 = 3
	XcptOF  uint8 = 4
	XcptBR  uint8 = 5
	XcptUD  uint8 = 6
	XcptNM  uint8 = 7
	XcptDF  uint8 = 8
	XcptTS  uint8 = 10
	XcptNP  uint8 = 11
	XcptSS  uint8 = 12
	XcptGP  uint8 = 13
	XcptPF  uint8 = 14
	XcptMF  uint8 = 16
	XcptAC  uint8 = 17
	XcptMC  uint8 = 18
	XcptXF  uint8 = 19
	XcptVE  uint8 = 20
	XcptCP  uint8 = 21
	XcptSX  uint8 = 30

	// XcptLast is the highest vector reserved for CPU exceptions.
	XcptLast uint8 = 31
)

// XcptHasErrorCode reports whether the CPU pushes an error code for the
// exception vector.
func XcptHasErrorCode(vector uint8) bool {
	switch vector {
	case XcptDF, XcptTS, XcptNP, XcptSS, XcptGP, XcptPF, XcptAC, XcptCP, XcptSX:
		return true
	}
	return false
}
