package bitset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetClearTest(t *testing.T) {
	s := New(130)
	require.True(t, s.IsEmpty())
	s.Set(0)
	s.Set(63)
	s.Set(64)
	s.Set(129)
	require.True(t, s.Test(0))
	require.True(t, s.Test(63))
	require.True(t, s.Test(64))
	require.True(t, s.Test(129))
	require.False(t, s.Test(1))
	require.Equal(t, 4, s.Count())

	s.Clear(64)
	require.False(t, s.Test(64))
	require.Equal(t, 3, s.Count())
}

func TestOutOfRangePanics(t *testing.T) {
	s := New(4)
	require.Panics(t, func() { s.Set(4) })
	require.Panics(t, func() { s.Test(-1) })
}

func TestOrAndAndNot(t *testing.T) {
	a := New(8)
	b := New(8)
	a.Set(1)
	a.Set(2)
	b.Set(2)
	b.Set(3)

	u := a.Clone()
	u.Or(b)
	require.Equal(t, []int{1, 2, 3}, u.Slice())

	i := a.Clone()
	i.And(b)
	require.Equal(t, []int{2}, i.Slice())

	d := a.Clone()
	d.AndNot(b)
	require.Equal(t, []int{1}, d.Slice())
}

func TestEqualAndClone(t *testing.T) {
	a := New(10)
	a.Set(5)
	b := a.Clone()
	require.True(t, a.Equal(b))
	b.Set(6)
	require.False(t, a.Equal(b))
}

func TestForEachOrder(t *testing.T) {
	s := New(200)
	s.Set(199)
	s.Set(5)
	s.Set(70)
	require.Equal(t, []int{5, 70, 199}, s.Slice())
}
