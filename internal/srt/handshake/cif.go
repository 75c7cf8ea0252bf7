package handshake

import (
	"encoding/binary"

	rerrors "github.com/alxayo/srt-relay/internal/errors"
	"github.com/alxayo/srt-relay/internal/srt/packet"
)

// EncodeCIF serializes the fixed 48-byte handshake CIF.
func EncodeCIF(c CIF) []byte {
	b := make([]byte, CIFLen)
	binary.BigEndian.PutUint32(b[0:4], c.Version)
	binary.BigEndian.PutUint32(b[4:8], uint32(c.EncryptionField)<<16|uint32(c.ExtensionField))
	binary.BigEndian.PutUint32(b[8:12], c.InitialSeqNo)
	binary.BigEndian.PutUint32(b[12:16], c.MTU)
	binary.BigEndian.PutUint32(b[16:20], c.FlowWindowSize)
	binary.BigEndian.PutUint32(b[20:24], uint32(c.HandshakeType))
	binary.BigEndian.PutUint32(b[24:28], c.SRTSocketID)
	binary.BigEndian.PutUint32(b[28:32], c.SynCookie)
	binary.BigEndian.PutUint32(b[32:36], c.PeerIP[0])
	binary.BigEndian.PutUint32(b[36:40], c.PeerIP[1])
	binary.BigEndian.PutUint32(b[40:44], c.PeerIP[2])
	binary.BigEndian.PutUint32(b[44:48], c.PeerIP[3])
	return b
}

// DecodeCIF parses the fixed 48-byte handshake CIF from the front of b,
// returning the remaining bytes (extension blocks, if any).
func DecodeCIF(b []byte) (CIF, []byte, error) {
	if len(b) < CIFLen {
		return CIF{}, nil, rerrors.NewParseError("handshake.decodecif", packet.ErrTruncated)
	}
	var c CIF
	c.Version = binary.BigEndian.Uint32(b[0:4])
	encExt := binary.BigEndian.Uint32(b[4:8])
	c.EncryptionField = uint16(encExt >> 16)
	c.ExtensionField = uint16(encExt)
	c.InitialSeqNo = binary.BigEndian.Uint32(b[8:12])
	c.MTU = binary.BigEndian.Uint32(b[12:16])
	c.FlowWindowSize = binary.BigEndian.Uint32(b[16:20])
	c.HandshakeType = int32(binary.BigEndian.Uint32(b[20:24]))
	c.SRTSocketID = binary.BigEndian.Uint32(b[24:28])
	c.SynCookie = binary.BigEndian.Uint32(b[28:32])
	c.PeerIP[0] = binary.BigEndian.Uint32(b[32:36])
	c.PeerIP[1] = binary.BigEndian.Uint32(b[36:40])
	c.PeerIP[2] = binary.BigEndian.Uint32(b[40:44])
	c.PeerIP[3] = binary.BigEndian.Uint32(b[44:48])
	return c, b[CIFLen:], nil
}
