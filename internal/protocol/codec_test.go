package protocol

import (
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	s := newTestSerializer(t)

	cases := []struct {
		codec Codec
		value any
	}{
		{Bool, true},
		{Int8, int8(-3)},
		{Int16, int16(1234)},
		{Int32, int32(-99999)},
		{Int64, int64(1) << 40},
		{Float32, float32(0.125)},
		{Float64, 6.02e23},
		{String, "snowball"},
		{String, ""},
		{UUID, uuid.New()},
		{Bytes, []byte{1, 2, 3}},
		{Bytes, []byte(nil)},
		{Int32s, []int32{4, 5}},
		{Int32s, []int32(nil)},
		{Float32s, []float32{1.5}},
		{Strings, []string{"x", "y"}},
		{EnumOf[team]("team"), teamBlue},
		{MessageOf[vec](s), &vec{X: 7, Y: 8}},
		{MessageOf[vec](s), (*vec)(nil)},
		{MessageOf[everything](s), fullValue()},
	}

	for _, tc := range cases {
		t.Run(tc.codec.Name(), func(t *testing.T) {
			require.NoError(t, tc.codec.Check(tc.value))

			w := NewWriter()
			require.NoError(t, tc.codec.Write(w, tc.value))

			n, err := tc.codec.Length(tc.value)
			require.NoError(t, err)
			assert.Equal(t, w.Len(), n)

			r := NewBytesReader(w.Bytes())
			got, err := tc.codec.Read(r)
			require.NoError(t, err)
			assert.Equal(t, tc.value, got)
			assert.Equal(t, 0, r.Remaining())
		})
	}
}

func TestCodecTypeMismatch(t *testing.T) {
	err := Int32.Check(int64(1))
	assert.True(t, errors.Is(err, ErrTypeMismatch))

	err = Int32.Write(NewWriter(), "nope")
	assert.True(t, errors.Is(err, ErrTypeMismatch))

	err = EnumOf[team]("team").Check(int32(1))
	assert.True(t, errors.Is(err, ErrTypeMismatch))
}

func TestCodecUnregisteredMessage(t *testing.T) {
	s := NewSerializer()
	c := MessageOf[vec](s)

	err := c.Check(&vec{})
	assert.True(t, errors.Is(err, ErrUnregisteredType))
}

func TestCodecZeroMatchesType(t *testing.T) {
	s := newTestSerializer(t)
	for _, c := range []Codec{Bool, Int8, Int16, Int32, Int64, Float32, Float64, String, UUID,
		Bytes, Int32s, Float32s, Strings, EnumOf[team]("team"), MessageOf[vec](s)} {
		assert.NoError(t, c.Check(c.Zero()), c.Name())
	}
}
