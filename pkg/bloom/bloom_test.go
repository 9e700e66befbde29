package bloom

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ids := make([]string, 0, 40)
	for i := 0; i < 40; i++ {
		ids = append(ids, fmt.Sprintf("12D3KooWpeer%03d", i))
	}
	f := Of(DefaultCapacity, ids...)

	enc := f.Encode()
	require.Equal(t, uint32(DefaultCapacity), enc.Capacity)
	require.Equal(t, uint32(40), enc.Expected)
	require.Len(t, enc.Bits, DefaultCapacity/8)

	rebuilt, err := Decode(enc)
	require.NoError(t, err)
	for _, id := range ids {
		require.True(t, rebuilt.Test(id), "added id %s must test positive", id)
	}

	falsePositives := 0
	for i := 0; i < 1000; i++ {
		if rebuilt.Test(fmt.Sprintf("12D3KooWother%04d", i)) {
			falsePositives++
		}
	}
	require.Less(t, falsePositives, 50, "false positive rate should stay bounded")
}

func TestDecodeKeepsReceiverAdditions(t *testing.T) {
	f := Of(DefaultCapacity, "a", "b")
	rebuilt, err := Decode(f.Encode())
	require.NoError(t, err)

	require.False(t, rebuilt.Test("requester"))
	rebuilt.Add("requester")
	require.True(t, rebuilt.Test("requester"))
	require.True(t, rebuilt.Test("a"))
}

func TestNewRoundsCapacity(t *testing.T) {
	f := New(100, 3)
	require.Equal(t, uint32(128), f.Capacity())
	require.Equal(t, uint32(DefaultCapacity), New(0, 0).Capacity())
}

func TestDecodeRejectsMalformed(t *testing.T) {
	_, err := Decode(Encoding{Bits: make([]byte, 8), Capacity: 100, Expected: 1})
	require.ErrorIs(t, err, ErrMalformed)

	_, err = Decode(Encoding{Bits: make([]byte, 4), Capacity: 64, Expected: 1})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestEmptyFilterMatchesNothing(t *testing.T) {
	f := Of(DefaultCapacity)
	rebuilt, err := Decode(f.Encode())
	require.NoError(t, err)
	require.False(t, rebuilt.Test("anyone"))
}
