package slreg

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddPartitionedOrder(t *testing.T) {
	r := New()
	require.NoError(t, r.Add("IU_ANMO", "", UnsetSeq, ""))
	require.NoError(t, r.Add("IU_*", "", UnsetSeq, ""))
	require.NoError(t, r.Add("AA_BCD", "", UnsetSeq, ""))
	require.NoError(t, r.Add("IU_AN?O", "", UnsetSeq, ""))

	ids := make([]string, 0, 4)
	for _, s := range r.Subscriptions() {
		ids = append(ids, s.StationID)
	}
	// partition 0 (exact) ascending, then partition 1 (? only), then
	// partition 2 (contains *)
	require.Equal(t, []string{"AA_BCD", "IU_ANMO", "IU_AN?O", "IU_*"}, ids)
}

func TestAllStationExclusivity(t *testing.T) {
	r := New()
	require.NoError(t, r.Add("IU_ANMO", "", UnsetSeq, ""))
	require.ErrorIs(t, r.SetAllStation("", UnsetSeq, ""), ErrNotAllStation)

	r2 := New()
	require.NoError(t, r2.SetAllStation("", UnsetSeq, ""))
	require.ErrorIs(t, r2.Add("IU_ANMO", "", UnsetSeq, ""), ErrAllStationActive)
	require.Equal(t, 1, r2.Len())
	require.Equal(t, AllStationID, r2.Subscriptions()[0].StationID)
}

func TestUpdateExactAndWildcard(t *testing.T) {
	r := New()
	require.NoError(t, r.Add("IU_ANMO", "", UnsetSeq, ""))
	require.NoError(t, r.Add("IU_*", "", UnsetSeq, ""))
	require.NoError(t, r.Add("CU_*", "", UnsetSeq, ""))

	n := r.Update("IU_ANMO", 42, "2023-06-15T12:00:00Z")
	require.Equal(t, 2, n, "exact entry and matching wildcard both update")

	for _, s := range r.Subscriptions() {
		switch s.StationID {
		case "IU_ANMO", "IU_*":
			require.Equal(t, uint64(42), s.SeqNum)
		case "CU_*":
			require.Equal(t, UnsetSeq, s.SeqNum)
		}
	}
}

func TestUpdateFidelity(t *testing.T) {
	r := New()
	require.NoError(t, r.Add("IU_ANMO", "", UnsetSeq, ""))
	require.NoError(t, r.Add("IU_COLA", "", UnsetSeq, ""))

	r.Update("IU_ANMO", 1, "2023-01-01T00:00:00Z")
	r.Update("IU_COLA", 2, "2023-01-01T00:00:01Z")
	r.Update("IU_ANMO", 3, "2023-01-01T00:00:02Z")

	for _, s := range r.Subscriptions() {
		switch s.StationID {
		case "IU_ANMO":
			require.Equal(t, uint64(3), s.SeqNum)
			require.Equal(t, "2023-01-01T00:00:02Z", s.Timestamp)
		case "IU_COLA":
			require.Equal(t, uint64(2), s.SeqNum)
		}
	}
}

func TestUpdateNoMatchReturnsZero(t *testing.T) {
	r := New()
	require.NoError(t, r.Add("IU_ANMO", "", UnsetSeq, ""))
	require.Equal(t, 0, r.Update("CU_ANWB", 1, ""))
}

func TestAllStationModeUpdateUnconditional(t *testing.T) {
	r := New()
	require.NoError(t, r.SetAllStation("", UnsetSeq, ""))
	n := r.Update("ANYTHING_HERE", 7, "2023-01-01T00:00:00Z")
	require.Equal(t, 1, n)
	require.Equal(t, uint64(7), r.Subscriptions()[0].SeqNum)
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	r := New()
	require.NoError(t, r.Add("IU_ANMO", "", 42, "2023-06-15T12:00:00Z"))
	require.NoError(t, r.Add("CU_ANWB", "", UnsetSeq, ""))

	var buf bytes.Buffer
	require.NoError(t, r.Serialize(&buf))

	r2 := New()
	require.NoError(t, r2.Deserialize(&buf))
	require.Equal(t, r.Subscriptions(), r2.Subscriptions())
}

func TestDeserializeLegacyFormat(t *testing.T) {
	in := "# comment\n* also comment\nIU ANMO 42 2023,06,15,12,00,00\nCU ANWB -1\n"
	r := New()
	require.NoError(t, r.Deserialize(bytes.NewBufferString(in)))
	require.Equal(t, 2, r.Len())
	subs := r.Subscriptions()
	require.Equal(t, "CU_ANWB", subs[0].StationID) // lexicographically first
	require.Equal(t, "IU_ANMO", subs[1].StationID)
	require.Equal(t, uint64(42), subs[1].SeqNum)
	require.Equal(t, "2023-06-15T12:00:00Z", subs[1].Timestamp)
	require.Equal(t, UnsetSeq, subs[0].SeqNum)
}

func TestDeserializeAllStationLine(t *testing.T) {
	in := AllStationID + " -1\n"
	r := New()
	require.NoError(t, r.Deserialize(bytes.NewBufferString(in)))
	require.True(t, r.AllStation())
}
