package raft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInflightsFreeTo(t *testing.T) {
	tests := []struct {
		name  string
		sent  []uint64
		ack   uint64
		wleft []uint64
	}{
		{"none acked", []uint64{3, 5, 9}, 2, []uint64{3, 5, 9}},
		{"prefix acked", []uint64{3, 5, 9}, 5, []uint64{9}},
		{"between ends", []uint64{3, 5, 9}, 7, []uint64{9}},
		{"all acked", []uint64{3, 5, 9}, 9, nil},
		{"empty", nil, 4, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ins := newInflights(10)
			for _, e := range tt.sent {
				ins.add(e)
			}
			ins.freeTo(tt.ack)
			require.Equal(t, len(tt.wleft), ins.count())
			if len(tt.wleft) > 0 {
				require.Equal(t, tt.wleft, ins.ends)
			}
		})
	}
}

func TestInflightsFull(t *testing.T) {
	ins := newInflights(2)
	ins.add(1)
	require.False(t, ins.full())
	ins.add(2)
	require.True(t, ins.full())
	require.Panics(t, func() { ins.add(3) })

	ins.freeFirstOne()
	require.False(t, ins.full())
	require.Equal(t, []uint64{2}, ins.ends)

	ins.freeAll()
	require.Zero(t, ins.count())
	ins.freeFirstOne()
	require.Zero(t, ins.count())
}

func TestInflightsClone(t *testing.T) {
	ins := newInflights(4)
	ins.add(1)
	ins.add(2)

	cp := ins.clone()
	cp.freeTo(1)
	require.Equal(t, 1, cp.count())
	require.Equal(t, 2, ins.count())
}
