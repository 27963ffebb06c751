package beacon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleConfig struct {
	Source  string
	Retries int
	Labels  map[string]string
}

func TestMsgpackSerializer_RoundTrip(t *testing.T) {
	s := NewMsgpackSerializer()
	s.Register("sample", func() any { return &sampleConfig{} })

	in := &sampleConfig{Source: "rtsp://cam-1", Retries: 3, Labels: map[string]string{"site": "north"}}
	payload, tag, err := s.Serialize(in)
	require.NoError(t, err)
	assert.Equal(t, "sample", tag)
	assert.NotEmpty(t, payload)

	out, err := s.Deserialize(payload, tag)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestMsgpackSerializer_AcceptsValues(t *testing.T) {
	s := NewMsgpackSerializer()
	s.Register("sample", func() any { return &sampleConfig{} })

	_, tag, err := s.Serialize(sampleConfig{Source: "x"})
	require.NoError(t, err)
	assert.Equal(t, "sample", tag)
}

func TestMsgpackSerializer_Unregistered(t *testing.T) {
	s := NewMsgpackSerializer()

	_, _, err := s.Serialize(&sampleConfig{})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = s.Deserialize([]byte{0x80}, "sample")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMsgpackSerializer_EmptyPayload(t *testing.T) {
	s := NewMsgpackSerializer()
	s.Register("sample", func() any { return &sampleConfig{} })

	out, err := s.Deserialize(nil, "sample")
	require.NoError(t, err)
	assert.Equal(t, &sampleConfig{}, out)
}

func TestMsgpackSerializer_CorruptPayload(t *testing.T) {
	s := NewMsgpackSerializer()
	s.Register("sample", func() any { return &sampleConfig{} })

	_, err := s.Deserialize([]byte{0xc1}, "sample")
	assert.Error(t, err)
}
