package ids

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewProducesTimeOrderedV7(t *testing.T) {
	id := New()
	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	require.Equal(t, uuid.Version(7), parsed.Version())
}

func TestNewIDsAreMonotonicallyOrderable(t *testing.T) {
	a := New()
	time.Sleep(2 * time.Millisecond)
	b := New()
	require.Less(t, a, b, "later v7 id must sort after an earlier one lexically")
}

func TestTimestampRoundTripsThroughElapsedSince(t *testing.T) {
	id := New()
	ts, err := Timestamp(id)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().UTC(), ts, 2*time.Second)

	elapsed, err := ElapsedSince(id, ts.Add(5*time.Second))
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, elapsed)
}

func TestTimestampRejectsNonV7UUID(t *testing.T) {
	v4 := uuid.New().String()
	_, err := Timestamp(v4)
	require.Error(t, err)
}

func TestTimestampRejectsMalformedID(t *testing.T) {
	_, err := Timestamp("not-a-uuid")
	require.Error(t, err)

	_, err = ElapsedSince("not-a-uuid", time.Now())
	require.Error(t, err)
}
