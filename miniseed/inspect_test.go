package miniseed

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildV2Record constructs a synthetic 512-byte miniSEED 2 record with a
// blockette 1000 declaring reclen=512 (2^9), for station IU_ANMO starting
// at 2023-06-15T12:00:00.000000Z.
func buildV2Record(t *testing.T, reclenExp byte) []byte {
	t.Helper()
	buf := make([]byte, 1<<reclenExp)
	copy(buf[0:6], []byte("000001"))
	buf[6] = 'D'
	copy(buf[8:13], []byte("ANMO "))
	copy(buf[13:15], []byte("00"))
	copy(buf[15:18], []byte("BHZ"))
	copy(buf[18:20], []byte("IU"))
	binary.BigEndian.PutUint16(buf[20:22], 2023)
	binary.BigEndian.PutUint16(buf[22:24], 166) // day of year for June 15 2023
	buf[24] = 12
	buf[25] = 0
	buf[26] = 0
	binary.BigEndian.PutUint16(buf[28:30], 0) // fractional seconds
	buf[39] = 1                               // one blockette follows
	binary.BigEndian.PutUint16(buf[46:48], 48) // first blockette offset

	// blockette 1000 at offset 48
	binary.BigEndian.PutUint16(buf[48:50], 1000)
	binary.BigEndian.PutUint16(buf[50:52], 0) // no next blockette
	buf[54] = 11                              // encoding
	buf[55] = 0                               // word order
	buf[56] = reclenExp
	return buf
}

func TestInspectV2WithBlockette1000(t *testing.T) {
	buf := buildV2Record(t, 9) // 512 bytes
	info, err := Inspect(buf)
	require.NoError(t, err)
	require.Equal(t, byte('2'), info.Format)
	require.Equal(t, 512, info.RecordLength)
	require.Equal(t, "IU_ANMO", info.StationID)
	require.Equal(t, "2023-06-15T12:00:00.000000Z", info.StartTime)
}

func TestInspectV2SwappedYearDay(t *testing.T) {
	buf := buildV2Record(t, 9)
	// byte-swap every multi-byte header and blockette field the inspector
	// reads (year, day, fraction, first-blockette offset, blockette type and
	// next offset), as a sender with the opposite byte order writes them
	for _, off := range []int{20, 22, 28, 46, 48, 50} {
		buf[off], buf[off+1] = buf[off+1], buf[off]
	}
	info, err := Inspect(buf)
	require.NoError(t, err)
	require.Equal(t, "IU_ANMO", info.StationID)
}

func TestInspectV2ScanFallback(t *testing.T) {
	buf := buildV2Record(t, 10) // 1024 bytes, reclen via blockette
	// zero out the blockette chain so the scanner has to fall back
	binary.BigEndian.PutUint16(buf[46:48], 0)
	buf[39] = 0
	// plant a second valid header at offset 64*8 = 512
	second := buildV2Record(t, 9)
	copy(buf[512:], second[:512])
	info, err := Inspect(buf)
	require.NoError(t, err)
	require.Equal(t, 512, info.RecordLength)
}

func TestInspectV2BadBlocketteChain(t *testing.T) {
	buf := buildV2Record(t, 9)
	binary.BigEndian.PutUint16(buf[48:50], 2000) // not type 1000
	binary.BigEndian.PutUint16(buf[50:52], 10)   // next <= current offset (48)
	_, err := Inspect(buf)
	require.ErrorIs(t, err, ErrBadBlocketteChain)
}

func TestInspectRejectsGarbage(t *testing.T) {
	buf := make([]byte, 128)
	for i := range buf {
		buf[i] = byte(i)
	}
	_, err := Inspect(buf)
	require.Error(t, err)
}

func TestInspectShortBuffer(t *testing.T) {
	_, err := Inspect(make([]byte, 32))
	require.ErrorIs(t, err, ErrShortBuffer)
}

// buildV3Record constructs a synthetic miniSEED 3 record with a 7-byte SID
// "IU_ANMO" and the given payload length.
func buildV3Record(t *testing.T, payloadLen int) []byte {
	t.Helper()
	sid := "IU_ANMO"
	buf := make([]byte, fsdhLen+len(sid)+payloadLen)
	buf[0] = 'M'
	buf[1] = 'S'
	buf[2] = 3
	binary.LittleEndian.PutUint32(buf[4:8], 500_000_000) // .5s in ns
	binary.LittleEndian.PutUint16(buf[8:10], 2023)
	binary.LittleEndian.PutUint16(buf[10:12], 166)
	buf[12] = 12
	buf[13] = 0
	buf[14] = 0
	buf[33] = byte(len(sid))
	binary.LittleEndian.PutUint16(buf[34:36], 0)
	binary.LittleEndian.PutUint32(buf[36:40], uint32(payloadLen))
	copy(buf[fsdhLen:], []byte(sid))
	return buf
}

func TestInspectV3(t *testing.T) {
	buf := buildV3Record(t, 256-fsdhLen-len("IU_ANMO"))
	info, err := Inspect(buf)
	require.NoError(t, err)
	require.Equal(t, byte('3'), info.Format)
	require.Equal(t, 256, info.RecordLength)
	require.Equal(t, "IU_ANMO", info.StationID)
	require.Equal(t, "2023-06-15T12:00:00.500000Z", info.StartTime)
}

func TestFDSNStationID(t *testing.T) {
	require.Equal(t, "IU_ANMO", fdsnStationID("FDSN:IU_ANMO_00_B_H_Z"))
	require.Equal(t, "not-fdsn", fdsnStationID("not-fdsn"))
}
