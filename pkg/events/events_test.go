package events

import (
	"errors"
	"testing"

	"github.com/luxfi/perps/pkg/lx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failing struct{ err error }

func (f failing) Publish(*lx.Event) error { return f.err }

func TestMultiPublishesToAll(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	boom := errors.New("boom")
	m := Multi{a, failing{boom}, b}

	err := m.Publish(&lx.Event{Type: lx.EventOrderCreated, PairIndex: 1})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, a.Count(lx.EventOrderCreated))
	assert.Equal(t, 1, b.Count(lx.EventOrderCreated))

	require.NoError(t, Multi{a}.Publish(&lx.Event{Type: lx.EventFundingUpdated}))
	require.NoError(t, Multi{}.Publish(&lx.Event{Type: lx.EventFundingUpdated}))
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	require.NoError(t, r.Publish(&lx.Event{Type: lx.EventPairAdded}))
	require.NoError(t, r.Publish(&lx.Event{Type: lx.EventOrderCreated}))
	require.NoError(t, r.Publish(&lx.Event{Type: lx.EventOrderCreated}))

	evs := r.Events()
	require.Len(t, evs, 3)
	assert.Equal(t, lx.EventPairAdded, evs[0].Type)
	assert.Equal(t, 2, r.Count(lx.EventOrderCreated))
	assert.Equal(t, 0, r.Count(lx.EventFeeClaimed))

	// snapshots are not affected by later publishes
	require.NoError(t, r.Publish(&lx.Event{Type: lx.EventFeeClaimed}))
	assert.Len(t, evs, 3)

	r.Reset()
	assert.Empty(t, r.Events())
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "perp.order.executed", Subject("", lx.EventOrderExecuted))
	assert.Equal(t, "testnet.funding.updated", Subject("testnet", lx.EventFundingUpdated))
}
