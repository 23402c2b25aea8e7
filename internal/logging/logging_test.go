package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestSetup(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.DebugLevel)

	var buf bytes.Buffer
	l, err := Setup("WARN", "json", &buf)
	require.NoError(t, err)
	l.Info().Msg("dropped")
	l.Warn().Str("task_id", "7").Msg("kept")
	require.NotContains(t, buf.String(), "dropped")
	require.Contains(t, buf.String(), `"task_id":"7"`)

	_, err = Setup("loud", "json", &buf)
	require.Error(t, err)
	_, err = Setup("info", "xml", &buf)
	require.Error(t, err)
}
