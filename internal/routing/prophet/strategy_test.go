package prophet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inos_dtn/internal/dtn"
)

func singleton(dst dtn.EID) dtn.BundleRef {
	return dtn.BundleRef{
		ID:          dtn.BundleID{Source: "dtn://src/app", Timestamp: 1, Sequence: 1},
		Destination: dst,
		Singleton:   true,
	}
}

func TestGRTR_Monotonicity(t *testing.T) {
	dst := dtn.EID("dtn://dst/inbox")

	testCases := []struct {
		name     string
		local    float32
		neighbor float32
		forward  bool
	}{
		{"neighbor better", 0.3, 0.6, true},
		{"equal", 0.4, 0.4, false},
		{"neighbor worse", 0.6, 0.3, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			local := NewMap(self, DefaultParams(), 0)
			local.Set(dst, tc.local)
			neighbor := NewMap(peerA, DefaultParams(), 0)
			neighbor.Set(dst, tc.neighbor)

			assert.Equal(t, tc.forward, GRTR{}.ShallForward(local, neighbor, singleton(dst)))
		})
	}
}

func TestGRTR_MissingEntries(t *testing.T) {
	dst := dtn.EID("dtn://dst")
	local := NewMap(self, DefaultParams(), 0)
	neighbor := NewMap(peerA, DefaultParams(), 0)

	assert.False(t, GRTR{}.ShallForward(local, neighbor, singleton(dst)), "neither side knows dst")

	neighbor.Set(dst, 0.2)
	assert.True(t, GRTR{}.ShallForward(local, neighbor, singleton(dst)), "missing local counts as zero")

	assert.False(t, GRTR{}.ShallForward(local, nil, singleton(dst)))
}

func TestGRTR_GroupDestination(t *testing.T) {
	b := dtn.BundleRef{
		ID:          dtn.BundleID{Source: "dtn://src/app", Timestamp: 1},
		Destination: "dtn://group/news",
	}
	local := NewMap(self, DefaultParams(), 0)
	neighbor := NewMap(peerA, DefaultParams(), 0)

	assert.False(t, GRTR{}.ShallForward(local, neighbor, b))

	neighbor.Set("dtn://src", 0.2)
	assert.True(t, GRTR{}.ShallForward(local, neighbor, b))

	neighbor = NewMap(peerA, DefaultParams(), 0)
	local.Set("dtn://src", 0.2)
	assert.True(t, GRTR{}.ShallForward(local, neighbor, b))
}

func TestGTMX_NFMax(t *testing.T) {
	dst := dtn.EID("dtn://dst")
	b := singleton(dst)
	g := NewGTMX(2)

	local := NewMap(self, DefaultParams(), 0)
	local.Set(dst, 0.1)
	better := NewMap(peerC, DefaultParams(), 0)
	better.Set(dst, 0.9)

	require.True(t, g.ShallForward(local, better, b))

	g.Completed(b.ID, peerA)
	g.Completed(b.ID, peerA)
	assert.Equal(t, 1, g.Count(b.ID), "repeated completion by one neighbor counts once")
	assert.True(t, g.ShallForward(local, better, b))

	g.Completed(b.ID, peerB)
	assert.Equal(t, 2, g.Count(b.ID))
	assert.False(t, g.ShallForward(local, better, b), "third neighbor never selected")

	g.Forget(b.ID)
	assert.True(t, g.ShallForward(local, better, b))
}

func TestNewStrategy(t *testing.T) {
	s, err := NewStrategy("GRTR", 0)
	require.NoError(t, err)
	assert.Equal(t, StrategyGRTR, s.Name())

	s, err = NewStrategy(StrategyGTMX, 3)
	require.NoError(t, err)
	assert.Equal(t, StrategyGTMX, s.Name())
	assert.Equal(t, 3, s.(*GTMX).nfMax)

	_, err = NewStrategy("epidemic", 0)
	assert.ErrorIs(t, err, dtn.ErrInvalidConfig)
}
