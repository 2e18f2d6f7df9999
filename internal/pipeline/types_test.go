package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_Text(t *testing.T) {
	for _, s := range []Status{
		statusInitializing(),
		statusRunning(),
		statusStopped(),
		statusError(errors.New("decode: bad marker")),
		{State: StateStreamFailed},
	} {
		text, err := s.MarshalText()
		require.NoError(t, err)

		var got Status
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, s, got, string(text))
	}

	var s Status
	assert.Error(t, s.UnmarshalText([]byte("Paused")))
}

func TestStatus_StreamFailedLabelHidesMessage(t *testing.T) {
	s := statusStreamFailed(errors.New("connection refused"))
	assert.Equal(t, "StreamFailed", s.String())
	assert.True(t, s.Terminal())
	assert.False(t, statusError(errors.New("x")).Terminal())
}
