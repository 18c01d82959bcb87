package protocol

import "encoding/binary"

// encodeFrame builds a bit-exact wire frame for use in tests. The checksum
// field is reserved and unverified by the core, so
// tests leave it zeroed.
func encodeFrame(sid SID, typ Type, seq uint32, payload []byte) []byte {
	buf := make([]byte, 0, headerLen+len(payload)+footerLen)
	buf = append(buf, startMarker...)
	buf = append(buf, sid[:]...)
	buf = append(buf, byte(typ))

	var seqBytes, lenBytes [4]byte
	binary.LittleEndian.PutUint32(seqBytes[:], seq)
	binary.LittleEndian.PutUint32(lenBytes[:], uint32(len(payload)))
	buf = append(buf, seqBytes[:]...)
	buf = append(buf, lenBytes[:]...)
	buf = append(buf, payload...)
	buf = append(buf, 0, 0, 0, 0) // reserved checksum
	buf = append(buf, endMarker...)
	return buf
}

func testSID(b byte) SID {
	return SID{b, b + 1, b + 2, b + 3, b + 4, b + 5}
}
