package object

// ObjType tags the closed set of kernel object variants.
type ObjType uint32

const (
	TypeNone ObjType = iota
	TypeProcess
	TypeThread
	TypeVmo
	TypeChannel
	TypeEvent
	TypePort
	_
	_
	TypeInterrupt
	_
	_
	_
	_
	_
	_
	TypeVmar
	TypeJob
)

func (t ObjType) String() string {
	switch t {
	case TypeProcess:
		return "process"
	case TypeThread:
		return "thread"
	case TypeVmo:
		return "vmo"
	case TypeChannel:
		return "channel"
	case TypeEvent:
		return "event"
	case TypePort:
		return "port"
	case TypeInterrupt:
		return "interrupt"
	case TypeVmar:
		return "vmar"
	case TypeJob:
		return "job"
	default:
		return "none"
	}
}

// ParseObjType is the inverse of String.
func ParseObjType(name string) (ObjType, bool) {
	for _, t := range []ObjType{TypeProcess, TypeThread, TypeVmo, TypeChannel, TypeEvent, TypePort, TypeInterrupt, TypeVmar, TypeJob} {
		if t.String() == name {
			return t, true
		}
	}
	return TypeNone, false
}
