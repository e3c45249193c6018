package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedup(t *testing.T) {
	assert.Equal(t, []uint64{1, 3, 7}, Dedup([]uint64{7, 1, 3, 7, 1}))
	assert.Empty(t, Dedup[string](nil))
}

func TestChunk(t *testing.T) {
	tests := []struct {
		name string
		in   []int
		size int
		want [][]int
	}{
		{"even", []int{1, 2, 3, 4}, 2, [][]int{{1, 2}, {3, 4}}},
		{"remainder", []int{1, 2, 3}, 2, [][]int{{1, 2}, {3}}},
		{"larger than input", []int{1, 2}, 10, [][]int{{1, 2}}},
		{"zero size means one", []int{1, 2}, 0, [][]int{{1}, {2}}},
		{"empty", nil, 3, [][]int{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Chunk(tt.in, tt.size))
		})
	}
}
