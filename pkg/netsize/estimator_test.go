package netsize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestEstimator(now *time.Time) *Estimator {
	e := New(time.Hour)
	e.now = func() time.Time { return *now }
	return e
}

func TestRegisterKeepsOneEntryPerLocation(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	e := newTestEstimator(&now)

	e.RegisterAt(0.25, now.Add(-10*time.Minute))
	e.RegisterAt(0.25, now.Add(-5*time.Minute))
	e.RegisterAt(0.25, now.Add(-20*time.Minute))
	e.RegisterAt(0.5, now)

	require.Equal(t, 2, e.Len())
	got := e.SightingsAfter(time.Time{})
	require.Equal(t, []Sighting{
		{Location: 0.25, SeenAt: now.Add(-5 * time.Minute)},
		{Location: 0.5, SeenAt: now},
	}, got)
}

func TestCountAfterIsStrict(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	e := newTestEstimator(&now)

	e.RegisterAt(0.1, now.Add(-30*time.Minute))
	e.RegisterAt(0.2, now.Add(-20*time.Minute))
	e.RegisterAt(0.3, now.Add(-10*time.Minute))

	require.Equal(t, 3, e.CountAfter(time.Time{}))
	require.Equal(t, 1, e.CountAfter(now.Add(-20*time.Minute)))
	require.Equal(t, 2, e.CountAfter(now.Add(-25*time.Minute)))
}

func TestPruneDropsOldSightings(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	e := newTestEstimator(&now)

	e.RegisterAt(0.1, now.Add(-50*time.Minute))
	e.RegisterAt(0.2, now.Add(-5*time.Minute))
	now = now.Add(30 * time.Minute)
	e.Prune()

	require.Equal(t, 1, e.Len())
	require.Equal(t, 0.2, e.SightingsAfter(time.Time{})[0].Location)

	e.RegisterAt(0.1, now)
	require.Equal(t, 2, e.Len())
}

func TestRegisterIgnoresOutOfRange(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	e := newTestEstimator(&now)
	e.RegisterAt(-0.1, now)
	e.RegisterAt(1.5, now)
	require.Zero(t, e.Len())
}
