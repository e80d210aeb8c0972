package udp

import "time"

// SendBlock is a reliable segment waiting for its ack.
type SendBlock struct {
	Header  Header
	Payload []byte
	// Transmissions counts sends so far, the first send included.
	Transmissions int
	Deadline      time.Time
}

// Len is the payload length.
func (b *SendBlock) Len() int {
	return len(b.Payload)
}

// RecvBlock holds a segment received ahead of the cumulative ack.
type RecvBlock struct {
	Seq     int32
	Payload []byte
	// BodyLen is the total length of the payload the segment belongs to.
	BodyLen uint32
	Ordered bool
	// AckRequests counts how many EAKs have listed this block.
	AckRequests int
	// Delivered is set for unordered blocks handed up on arrival.
	Delivered bool
}

// Len is the payload length.
func (b *RecvBlock) Len() int {
	return len(b.Payload)
}
