package packet

// Control information field (CIF) encode/decode for the control types the
// relay both emits and consumes. Each constructor builds
// a *Packet with the header fields set and a CIF-encoded Payload.

import (
	"encoding/binary"

	rerrors "github.com/alxayo/srt-relay/internal/errors"
)

// AckFields is the decoded body of a full ACK control packet:
// next-expected sequence, RTT, RTT variance, available buffer size, receive
// rate, and link capacity estimate.
type AckFields struct {
	AckSeqNo     uint32 // the ACK's own sequence number, echoed by ACKACK
	NextSeqNo    uint32 // next expected data sequence number (cumulative ack point)
	RTTMicros    uint32
	RTTVarMicros uint32
	BufAvail     uint32 // available receive buffer, in packets
	RecvRateBps  uint32 // receive rate, bytes/sec
	LinkCapBps   uint32 // estimated link capacity, bytes/sec
}

const ackFieldsLen = 4 * 6 // ack seqno is carried in TypeInfo, not the body

// EncodeACK builds a full ACK control packet.
func EncodeACK(destSocketID uint32, ts uint32, f AckFields) *Packet {
	body := make([]byte, ackFieldsLen)
	binary.BigEndian.PutUint32(body[0:4], f.NextSeqNo)
	binary.BigEndian.PutUint32(body[4:8], f.RTTMicros)
	binary.BigEndian.PutUint32(body[8:12], f.RTTVarMicros)
	binary.BigEndian.PutUint32(body[12:16], f.BufAvail)
	binary.BigEndian.PutUint32(body[16:20], f.RecvRateBps)
	binary.BigEndian.PutUint32(body[20:24], f.LinkCapBps)
	return &Packet{
		IsControl:    true,
		CtrlType:     CtrlACK,
		TypeInfo:     f.AckSeqNo,
		Timestamp:    ts,
		DestSocketID: destSocketID,
		Payload:      body,
	}
}

// DecodeACK parses a full ACK packet's CIF body. p.TypeInfo carries the
// ACK's own sequence number.
func DecodeACK(p *Packet) (AckFields, error) {
	if len(p.Payload) < ackFieldsLen {
		return AckFields{}, rerrors.NewParseError("decode.ack", ErrTruncated)
	}
	return AckFields{
		AckSeqNo:     p.TypeInfo,
		NextSeqNo:    binary.BigEndian.Uint32(p.Payload[0:4]),
		RTTMicros:    binary.BigEndian.Uint32(p.Payload[4:8]),
		RTTVarMicros: binary.BigEndian.Uint32(p.Payload[8:12]),
		BufAvail:     binary.BigEndian.Uint32(p.Payload[12:16]),
		RecvRateBps:  binary.BigEndian.Uint32(p.Payload[16:20]),
		LinkCapBps:   binary.BigEndian.Uint32(p.Payload[20:24]),
	}, nil
}

// EncodeLightACK builds a reduced-size ACK carrying only the next-expected
// sequence number, emitted every 64 data packets.
func EncodeLightACK(destSocketID uint32, ts uint32, ackSeqNo, nextSeqNo uint32) *Packet {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, nextSeqNo)
	return &Packet{
		IsControl:    true,
		CtrlType:     CtrlLightACK,
		TypeInfo:     ackSeqNo,
		Timestamp:    ts,
		DestSocketID: destSocketID,
		Payload:      body,
	}
}

// DecodeLightACK parses a light ACK's next-expected sequence number.
func DecodeLightACK(p *Packet) (nextSeqNo uint32, err error) {
	if len(p.Payload) < 4 {
		return 0, rerrors.NewParseError("decode.lightack", ErrTruncated)
	}
	return binary.BigEndian.Uint32(p.Payload), nil
}

// EncodeACKACK builds an ACKACK echoing the ACK sequence number being
// acknowledged, used for RTT sampling.
func EncodeACKACK(destSocketID uint32, ts uint32, ackSeqNo uint32) *Packet {
	return &Packet{
		IsControl:    true,
		CtrlType:     CtrlACKACK,
		TypeInfo:     ackSeqNo,
		Timestamp:    ts,
		DestSocketID: destSocketID,
	}
}

// NakRange is a single inclusive [From, To] range of missing sequence
// numbers. Single-sequence losses have From == To.
type NakRange struct {
	From, To uint32
}

// EncodeNAK serializes a list of loss ranges into a NAK control packet. Per
// the wire convention, a range is two consecutive uint32s with the high bit
// of the first set; a lone sequence is encoded as a single uint32 with the
// high bit clear.
func EncodeNAK(destSocketID uint32, ts uint32, ranges []NakRange) *Packet {
	body := make([]byte, 0, len(ranges)*8)
	for _, r := range ranges {
		if r.From == r.To {
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], r.From&SeqFieldMask)
			body = append(body, b[:]...)
			continue
		}
		var from, to [4]byte
		binary.BigEndian.PutUint32(from[:], (r.From&SeqFieldMask)|rangeMarker)
		binary.BigEndian.PutUint32(to[:], r.To&SeqFieldMask)
		body = append(body, from[:]...)
		body = append(body, to[:]...)
	}
	return &Packet{
		IsControl:    true,
		CtrlType:     CtrlNAK,
		Timestamp:    ts,
		DestSocketID: destSocketID,
		Payload:      body,
	}
}

const (
	rangeMarker  uint32 = 1 << 31
	SeqFieldMask uint32 = 1<<31 - 1
)

// DecodeNAK parses a NAK packet's loss-range list.
func DecodeNAK(p *Packet) ([]NakRange, error) {
	if len(p.Payload)%4 != 0 {
		return nil, rerrors.NewParseError("decode.nak", ErrTruncated)
	}
	var out []NakRange
	words := len(p.Payload) / 4
	for i := 0; i < words; i++ {
		v := binary.BigEndian.Uint32(p.Payload[i*4:i*4+4])
		if v&rangeMarker != 0 {
			if i+1 >= words {
				return nil, rerrors.NewParseError("decode.nak", ErrTruncated)
			}
			i++
			to := binary.BigEndian.Uint32(p.Payload[i*4:i*4+4])
			out = append(out, NakRange{From: v & SeqFieldMask, To: to})
			continue
		}
		out = append(out, NakRange{From: v, To: v})
	}
	return out, nil
}

// EncodeShutdown builds a SHUTDOWN control packet.
func EncodeShutdown(destSocketID uint32, ts uint32) *Packet {
	return &Packet{IsControl: true, CtrlType: CtrlShutdown, Timestamp: ts, DestSocketID: destSocketID}
}

// EncodeKeepAlive builds a KEEPALIVE control packet.
func EncodeKeepAlive(destSocketID uint32, ts uint32) *Packet {
	return &Packet{IsControl: true, CtrlType: CtrlKeepAlive, Timestamp: ts, DestSocketID: destSocketID}
}

// EncodeDropReq builds a DROPREQ naming an inclusive [first,last] sequence
// range the sender will never retransmit.
func EncodeDropReq(destSocketID uint32, ts uint32, msgNo uint32, first, last uint32) *Packet {
	body := make([]byte, 8)
	binary.BigEndian.PutUint32(body[0:4], first)
	binary.BigEndian.PutUint32(body[4:8], last)
	return &Packet{
		IsControl:    true,
		CtrlType:     CtrlDropReq,
		TypeInfo:     msgNo,
		Timestamp:    ts,
		DestSocketID: destSocketID,
		Payload:      body,
	}
}

// DecodeDropReq parses a DROPREQ's [first,last] range.
func DecodeDropReq(p *Packet) (first, last uint32, err error) {
	if len(p.Payload) < 8 {
		return 0, 0, rerrors.NewParseError("decode.dropreq", ErrTruncated)
	}
	return binary.BigEndian.Uint32(p.Payload[0:4]), binary.BigEndian.Uint32(p.Payload[4:8]), nil
}
