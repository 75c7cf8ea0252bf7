package packet

import (
	"testing"

	"github.com/stretchr/testify/require"

	rerrors "github.com/alxayo/srt-relay/internal/errors"
)

func TestDataPacketRoundTrip(t *testing.T) {
	p := &Packet{
		SeqNo:        123456,
		PosFlag:      PosFirst,
		InOrder:      true,
		EncFlag:      0,
		Retransmit:   false,
		MsgNo:        42,
		Timestamp:    0xDEADBEEF,
		DestSocketID: 99,
		Payload:      []byte("mpeg-ts payload goes here"),
	}
	wire := Encode(p, nil)

	got, err := Decode(wire)
	require.NoError(t, err)
	require.False(t, got.IsControl)
	require.Equal(t, p.SeqNo, got.SeqNo)
	require.Equal(t, p.PosFlag, got.PosFlag)
	require.Equal(t, p.InOrder, got.InOrder)
	require.Equal(t, p.MsgNo, got.MsgNo)
	require.Equal(t, p.Timestamp, got.Timestamp)
	require.Equal(t, p.DestSocketID, got.DestSocketID)
	require.Equal(t, p.Payload, got.Payload)

	// encode(decode(b)) == b for well-formed input.
	require.Equal(t, wire, Encode(got, nil))
}

func TestControlPacketRoundTrip(t *testing.T) {
	p := &Packet{
		IsControl:    true,
		CtrlType:     CtrlShutdown,
		Subtype:      0,
		TypeInfo:     7,
		Timestamp:    100,
		DestSocketID: 55,
	}
	wire := Encode(p, nil)
	got, err := Decode(wire)
	require.NoError(t, err)
	require.True(t, got.IsControl)
	require.Equal(t, CtrlShutdown, got.CtrlType)
	require.Equal(t, p.TypeInfo, got.TypeInfo)
	require.Equal(t, wire, Encode(got, nil))
}

func TestRetransmitFlagDoesNotAdvanceSeq(t *testing.T) {
	first := &Packet{SeqNo: 10, MsgNo: 1, Payload: []byte("a")}
	retx := &Packet{SeqNo: 10, MsgNo: 1, Retransmit: true, Payload: []byte("a")}

	d1, _ := Decode(Encode(first, nil))
	d2, _ := Decode(Encode(retx, nil))
	require.Equal(t, d1.SeqNo, d2.SeqNo)
	require.False(t, d1.Retransmit)
	require.True(t, d2.Retransmit)
}

func TestDecodeTruncated(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrTruncated)
	require.True(t, rerrors.IsProtocolError(err))
}

func TestDecodeSocketIDFastPath(t *testing.T) {
	p := &Packet{DestSocketID: 0xAABBCCDD, Payload: []byte("x")}
	wire := Encode(p, nil)
	id, err := DecodeSocketID(wire)
	require.NoError(t, err)
	require.Equal(t, uint32(0xAABBCCDD), id)
}

func TestIsControlDatagram(t *testing.T) {
	data := Encode(&Packet{SeqNo: 1}, nil)
	ctrl := Encode(&Packet{IsControl: true, CtrlType: CtrlKeepAlive}, nil)

	isCtrl, err := IsControlDatagram(data)
	require.NoError(t, err)
	require.False(t, isCtrl)

	isCtrl, err = IsControlDatagram(ctrl)
	require.NoError(t, err)
	require.True(t, isCtrl)
}

func TestACKRoundTrip(t *testing.T) {
	f := AckFields{
		AckSeqNo: 77, NextSeqNo: 5000, RTTMicros: 12000, RTTVarMicros: 500,
		BufAvail: 8000, RecvRateBps: 900000, LinkCapBps: 1_200_000,
	}
	p := EncodeACK(10, 55, f)
	wire := Encode(p, nil)
	got, err := Decode(wire)
	require.NoError(t, err)
	require.Equal(t, CtrlACK, got.CtrlType)

	decoded, err := DecodeACK(got)
	require.NoError(t, err)
	require.Equal(t, f, decoded)
}

func TestLightACKRoundTrip(t *testing.T) {
	p := EncodeLightACK(1, 2, 10, 2048)
	decoded, err := DecodeLightACK(p)
	require.NoError(t, err)
	require.Equal(t, uint32(2048), decoded)
}

func TestNAKRoundTripSingleAndRange(t *testing.T) {
	ranges := []NakRange{{From: 104, To: 104}, {From: 200, To: 210}}
	p := EncodeNAK(1, 2, ranges)
	decoded, err := DecodeNAK(p)
	require.NoError(t, err)
	require.Equal(t, ranges, decoded)
}

func TestDropReqRoundTrip(t *testing.T) {
	p := EncodeDropReq(1, 2, 9, 500, 520)
	first, last, err := DecodeDropReq(p)
	require.NoError(t, err)
	require.Equal(t, uint32(500), first)
	require.Equal(t, uint32(520), last)
}

func TestRejectCodeStrings(t *testing.T) {
	require.Equal(t, "REJ_ROGUE", RejRogue.String())
	require.Equal(t, "REJ_BADSECRET", RejBadSecret.String())
	require.Equal(t, "", RejNone.String())
}
