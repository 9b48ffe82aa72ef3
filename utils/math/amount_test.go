package math

import (
	stdmath "math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdd(t *testing.T) {
	sum, err := Add(100, 50)
	require.NoError(t, err)
	assert.Equal(t, uint64(150), sum)

	_, err = Add(stdmath.MaxUint64, 1)
	assert.ErrorIs(t, err, ErrOverflow)

	sum, err = Add(stdmath.MaxUint64, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(stdmath.MaxUint64), sum)
}

func TestSub(t *testing.T) {
	diff, err := Sub(100, 40)
	require.NoError(t, err)
	assert.Equal(t, uint64(60), diff)

	_, err = Sub(1, 2)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestMulDiv(t *testing.T) {
	tests := []struct {
		name    string
		x, y, d uint64
		want    uint64
		wantErr error
	}{
		{"simple", 500_000, 25, BasisPoints, 1_250, nil},
		{"truncates", 99, 100, BasisPoints, 0, nil},
		{"wide intermediate", stdmath.MaxUint64, 100, BasisPoints, stdmath.MaxUint64 / 100, nil},
		{"result too large", stdmath.MaxUint64, 2, 1, 0, ErrOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MulDiv(tt.x, tt.y, tt.d)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := MulDiv(1, 1, 0)
	assert.Error(t, err)
}

func TestApplyBasisPoints(t *testing.T) {
	fee, err := ApplyBasisPoints(1_000_000, 50)
	require.NoError(t, err)
	assert.Equal(t, uint64(5_000), fee)
}
