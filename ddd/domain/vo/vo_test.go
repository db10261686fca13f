package vo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversionStatus_Transitions(t *testing.T) {
	all := []ConversionStatus{ConversionNotStarted, ConversionInProgress, ConversionCompleted, ConversionFailed}
	allowed := map[ConversionStatus][]ConversionStatus{
		ConversionNotStarted: {ConversionInProgress},
		ConversionInProgress: {ConversionCompleted, ConversionFailed},
		ConversionCompleted:  {ConversionInProgress},
		ConversionFailed:     {ConversionInProgress},
	}
	for _, from := range all {
		for _, to := range all {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}

	var empty ConversionStatus
	assert.True(t, empty.CanTransitionTo(ConversionInProgress))
	assert.False(t, empty.CanTransitionTo(ConversionCompleted))
}

func TestTransition(t *testing.T) {
	next, err := Transition(ConversionInProgress, ConversionCompleted)
	require.NoError(t, err)
	assert.Equal(t, ConversionCompleted, next)

	next, err = Transition("", ConversionCompleted)
	var te *StatusTransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, ConversionNotStarted, te.From)
	assert.Equal(t, ConversionStatus(""), next)
}

func TestAudioFormat(t *testing.T) {
	f, ok := ParseAudioFormat(" .FLAC ")
	assert.True(t, ok)
	assert.Equal(t, FormatFLAC, f)

	_, ok = ParseAudioFormat("ogg")
	assert.False(t, ok)

	assert.Equal(t, FormatIT, FormatFromFilename("song.IT"))
	assert.Equal(t, FormatOther, FormatFromFilename("noext"))

	assert.True(t, FormatMOD.IsModule())
	assert.False(t, FormatMP3.IsOnDemand())
	assert.True(t, FormatWAV.IsOnDemand())
	assert.Equal(t, FormatFLAC, FormatWAV.Sibling())
	assert.Equal(t, AudioFormat(""), FormatMP3.Sibling())
	assert.Equal(t, ".bin", FormatOther.Extension())
	assert.Equal(t, "audio/mpeg", FormatMP3.ContentType())
}

func TestWaveformJSON(t *testing.T) {
	w := &WaveformSummary{Peaks: []float64{0.5, -0.5, 0.25, -0.1}, SamplesPerPeak: 1000, Duration: 1.5}
	data, err := w.ToJSON()
	require.NoError(t, err)

	back, err := WaveformFromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, 2, back.PairCount())
	assert.InDelta(t, 1.5, back.Duration, 1e-9)

	back, err = WaveformFromJSON([]byte("null"))
	require.NoError(t, err)
	assert.Nil(t, back)
	assert.Equal(t, 0, back.PairCount())

	_, err = WaveformFromJSON([]byte(`{"peaks":[1]}`))
	assert.Error(t, err)
}

func TestAllQueues(t *testing.T) {
	names := make([]string, 0, 6)
	for _, q := range AllQueues() {
		names = append(names, q.String())
	}
	assert.ElementsMatch(t, []string{
		"track-conversion", "audio-file-conversion", "stem-processing",
		"track-regeneration", "track-deletion", "file-cleanup",
	}, names)
}
