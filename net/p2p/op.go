package p2p

import "fmt"

// OpKind is the mutation a GroupOp requests.
type OpKind uint8

const (
	OpCreate OpKind = iota
	OpJoin
	OpLeave
	OpDestroy
)

func (k OpKind) String() string {
	switch k {
	case OpCreate:
		return "create"
	case OpJoin:
		return "join"
	case OpLeave:
		return "leave"
	case OpDestroy:
		return "destroy"
	}
	return fmt.Sprintf("op(%d)", uint8(k))
}

// GroupOp is one queued group mutation, applied once on the server loop.
type GroupOp struct {
	Kind    OpKind
	GroupID uint64
	ConnID  uint64
	Level   uint32
	Extra   []byte
}

func (op GroupOp) String() string {
	return fmt.Sprintf("%s group=%d conn=%d level=%d", op.Kind, op.GroupID, op.ConnID, op.Level)
}
