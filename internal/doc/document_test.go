package doc

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetProducesOrderedFragments(t *testing.T) {
	d := New("a")
	first, err := d.Set(DefaultField, "<p>one</p>")
	require.NoError(t, err)
	second, err := d.Set(DefaultField, "<p>two</p>")
	require.NoError(t, err)

	assert.Equal(t, OpID{Replica: "a", Seq: 1}, first.ID)
	assert.Equal(t, OpID{Replica: "a", Seq: 2}, second.ID)
	assert.Greater(t, second.Clock, first.Clock)
	assert.Equal(t, "<p>two</p>", d.Content())
	assert.False(t, d.Empty())
}

func TestSetRejectsEmptyField(t *testing.T) {
	d := New("a")
	_, err := d.Set("", "x")
	require.ErrorIs(t, err, ErrEmptyField)
	assert.True(t, d.Empty())
}

func TestApplyIsIdempotent(t *testing.T) {
	a := New("a")
	b := New("b")
	u, err := a.Set(DefaultField, "hello")
	require.NoError(t, err)

	applied, err := b.Apply(u)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = b.Apply(u)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, "hello", b.Content())
}

func TestApplyRejectsMalformedUpdate(t *testing.T) {
	d := New("a")
	_, err := d.Apply(Update{Field: DefaultField})
	require.ErrorIs(t, err, ErrBadUpdate)
}

func TestConvergesInAnyOrderWithDuplicates(t *testing.T) {
	replicas := []*Document{New("a"), New("b"), New("c")}
	var fragments []Update
	for round := 0; round < 5; round++ {
		for i, r := range replicas {
			field := DefaultField
			if i == 2 {
				field = "title"
			}
			u, err := r.Set(field, r.Replica()+"-"+string(rune('0'+round)))
			require.NoError(t, err)
			fragments = append(fragments, u)
		}
		// interleave some merges so clocks diverge between rounds
		_, _ = replicas[round%3].Apply(fragments[len(fragments)-2])
	}

	rng := rand.New(rand.NewSource(7))
	left := New("x")
	right := New("y")
	for _, i := range rng.Perm(len(fragments)) {
		_, err := left.Apply(fragments[i])
		require.NoError(t, err)
	}
	for _, i := range rng.Perm(len(fragments)) {
		_, err := right.Apply(fragments[i])
		require.NoError(t, err)
		_, err = right.Apply(fragments[i])
		require.NoError(t, err)
	}

	assert.Equal(t, left.Fields(), right.Fields())
	assert.Equal(t, left.Vector(), right.Vector())
}

func TestApplyStateMergesHistory(t *testing.T) {
	a := New("a")
	_, err := a.Set(DefaultField, "<p>seed</p>")
	require.NoError(t, err)
	_, err = a.Set(DefaultField, "<p>seed A</p>")
	require.NoError(t, err)

	b := New("b")
	changed, err := b.ApplyState(a.State())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "<p>seed A</p>", b.Content())

	// the superseded first write is covered by the vector and must not reapply
	assert.True(t, b.Seen(OpID{Replica: "a", Seq: 1}))
	applied, err := b.Apply(Update{ID: OpID{Replica: "a", Seq: 1}, Clock: 1, Field: DefaultField, Value: "<p>seed</p>"})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, "<p>seed A</p>", b.Content())
}

func TestLaterLocalWriteWinsAfterMerge(t *testing.T) {
	a := New("a")
	b := New("b")
	c1, err := a.Set(DefaultField, "C1")
	require.NoError(t, err)
	_, err = b.Apply(c1)
	require.NoError(t, err)
	c2, err := b.Set(DefaultField, "C2")
	require.NoError(t, err)
	_, err = a.Apply(c2)
	require.NoError(t, err)

	revert, err := a.Set(DefaultField, "C1")
	require.NoError(t, err)
	_, err = b.Apply(revert)
	require.NoError(t, err)

	assert.Equal(t, "C1", a.Content())
	assert.Equal(t, "C1", b.Content())
}

func TestSeqSetFillsGaps(t *testing.T) {
	s := &seqSet{}
	s.add(1)
	s.add(3)
	s.add(4)
	assert.Equal(t, uint64(1), s.watermark)
	assert.True(t, s.has(3))
	assert.False(t, s.has(2))

	s.add(2)
	assert.Equal(t, uint64(4), s.watermark)
	assert.Empty(t, s.ahead)

	s.add(7)
	s.raise(6)
	assert.Equal(t, uint64(7), s.watermark)
}
