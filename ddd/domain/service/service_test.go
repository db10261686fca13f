package service

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/go-audio/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audio-pipeline/ddd/domain/entity"
	"audio-pipeline/ddd/domain/port"
	"audio-pipeline/ddd/domain/vo"
	"audio-pipeline/pkg/errno"
)

func makeWav(t *testing.T, sampleRate, channels int, data []int) []byte {
	t.Helper()
	out, err := EncodeWav16(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	})
	require.NoError(t, err)
	return out
}

func constSamples(n, v int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func TestWaveformExtractor_PeakCountAndDuration(t *testing.T) {
	cases := []struct {
		name       string
		sampleRate int
		channels   int
		samples    int
		block      int
	}{
		{"mono exact blocks", 1000, 1, 3000, 1000},
		{"mono with remainder", 1000, 1, 2500, 1000},
		{"stereo block not aligned to frames", 1500, 2, 3000, 333},
		{"shorter than one block", 44100, 2, 10, 1000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data := makeWav(t, tc.sampleRate, tc.channels, constSamples(tc.samples, 100))
			summary, err := NewWaveformExtractor(tc.block).Extract(context.Background(), data)
			require.NoError(t, err)

			wantPeaks := 2 * int(math.Ceil(float64(tc.samples)/float64(tc.block)))
			assert.Len(t, summary.Peaks, wantPeaks)
			wantDuration := float64(tc.samples) / float64(tc.channels) / float64(tc.sampleRate)
			assert.InDelta(t, wantDuration, summary.Duration, 1e-9)
			assert.Equal(t, tc.block, summary.SamplesPerPeak)
		})
	}
}

func TestWaveformExtractor_PeakValues(t *testing.T) {
	samples := []int{16384, -16384, 0, 32767, -32768, 0}
	data := makeWav(t, 8000, 1, samples)

	summary, err := NewWaveformExtractor(3).Extract(context.Background(), data)
	require.NoError(t, err)
	require.Len(t, summary.Peaks, 4)
	assert.InDelta(t, 0.5, summary.Peaks[0], 1e-6)
	assert.InDelta(t, -0.5, summary.Peaks[1], 1e-6)
	assert.InDelta(t, 32767.0/32768.0, summary.Peaks[2], 1e-6)
	assert.InDelta(t, -1.0, summary.Peaks[3], 1e-6)
	for _, p := range summary.Peaks {
		assert.True(t, p >= -1 && p <= 1)
	}
}

func TestWaveformExtractor_Deterministic(t *testing.T) {
	samples := make([]int, 5000)
	for i := range samples {
		samples[i] = int(10000 * math.Sin(float64(i)/17))
	}
	data := makeWav(t, 22050, 2, samples)
	ext := NewWaveformExtractor(0)

	a, err := ext.Extract(context.Background(), data)
	require.NoError(t, err)
	b, err := ext.Extract(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, DefaultSamplesPerPeak, a.SamplesPerPeak)
}

func TestWaveformExtractor_RejectsInvalidInput(t *testing.T) {
	_, err := NewWaveformExtractor(1000).Extract(context.Background(), []byte("not a wav file at all"))
	var convErr *errno.ConversionError
	assert.True(t, errors.As(err, &convErr))
	assert.False(t, errno.IsRetryable(err))
}

func TestTrackMixer_EmptyInput(t *testing.T) {
	_, err := NewTrackMixer().Mix(context.Background(), nil)
	var mixErr *errno.MixError
	require.True(t, errors.As(err, &mixErr))
	assert.False(t, errno.IsRetryable(err))
}

func TestTrackMixer_LengthIsLongestStem(t *testing.T) {
	short := makeWav(t, 1000, 1, constSamples(500, 1000))
	long := makeWav(t, 1000, 1, constSamples(2000, 3000))

	out, err := NewTrackMixer().Mix(context.Background(), []port.MixInput{
		{Name: "drums", Data: short},
		{Name: "bass", Data: long},
	})
	require.NoError(t, err)

	buf, err := DecodeWav(out)
	require.NoError(t, err)
	assert.Len(t, buf.Data, 2000)
	assert.Equal(t, 2000, buf.Data[0])
	assert.Equal(t, 1500, buf.Data[1999])

	summary, err := NewWaveformExtractor(1000).Extract(context.Background(), out)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, summary.Duration, 1e-9)
}

func TestWavDuration(t *testing.T) {
	d, err := WavDuration(makeWav(t, 1000, 2, constSamples(3000, 7)))
	require.NoError(t, err)
	assert.InDelta(t, 1.5, d, 1e-9)

	_, err = WavDuration([]byte("not a wav"))
	var convErr *errno.ConversionError
	assert.ErrorAs(t, err, &convErr)
}

func TestTrackMixer_ClampsAndKeepsLayout(t *testing.T) {
	a := makeWav(t, 48000, 2, []int{32767, -32768, 32767, -32768})
	b := makeWav(t, 48000, 2, []int{32767, -32768, 0, 0})

	out, err := NewTrackMixer().Mix(context.Background(), []port.MixInput{{Name: "a", Data: a}, {Name: "b", Data: b}})
	require.NoError(t, err)

	info, err := ProbeWav(out)
	require.NoError(t, err)
	assert.Equal(t, &WavInfo{SampleRate: 48000, Channels: 2, BitDepth: 16}, info)

	buf, err := DecodeWav(out)
	require.NoError(t, err)
	assert.Equal(t, []int{32767, -32768, 16383, -16384}, buf.Data)
}

func TestTrackMixer_RejectsMismatchedLayout(t *testing.T) {
	a := makeWav(t, 44100, 2, constSamples(10, 1))
	b := makeWav(t, 48000, 2, constSamples(10, 1))

	_, err := NewTrackMixer().Mix(context.Background(), []port.MixInput{{Name: "a", Data: a}, {Name: "b", Data: b}})
	var mixErr *errno.MixError
	require.True(t, errors.As(err, &mixErr))
	assert.Contains(t, mixErr.Reason, "48000")
}

type memQuotaRepo struct {
	free   float64
	quotas map[string]*entity.UserQuota
	saves  int
}

func newMemQuotaRepo(free float64) *memQuotaRepo {
	return &memQuotaRepo{free: free, quotas: map[string]*entity.UserQuota{}}
}

func (r *memQuotaRepo) GetOrCreate(_ context.Context, userID string) (*entity.UserQuota, error) {
	q, ok := r.quotas[userID]
	if !ok {
		q = &entity.UserQuota{UserID: userID, FreeSeconds: r.free}
		r.quotas[userID] = q
	}
	cp := *q
	return &cp, nil
}

func (r *memQuotaRepo) Save(_ context.Context, q *entity.UserQuota) error {
	cp := *q
	r.quotas[q.UserID] = &cp
	r.saves++
	return nil
}

func TestQuotaAccountant_ApplyUsage(t *testing.T) {
	ctx := context.Background()
	quotas := newMemQuotaRepo(100)
	acc := NewQuotaAccountant()

	warning, err := acc.ApplyUsage(ctx, quotas, "u1", "t1", "track-conversion", vo.QuotaUsage{SecondsDelta: 60, BytesDelta: 2048})
	require.NoError(t, err)
	assert.Nil(t, warning)
	assert.Equal(t, 60.0, quotas.quotas["u1"].UsedSeconds)

	warning, err = acc.ApplyUsage(ctx, quotas, "u1", "t2", "track-conversion", vo.QuotaUsage{SecondsDelta: 50})
	require.NoError(t, err)
	require.NotNil(t, warning)
	assert.Equal(t, "u1", warning.UserID)
	assert.Equal(t, "t2", warning.TrackID)
	assert.Equal(t, 110.0, warning.UsedSeconds)
	assert.Equal(t, 100.0, warning.AllowedSeconds)
	assert.Contains(t, warning.Message, "2.0 kB")

	_, err = acc.ApplyUsage(ctx, quotas, "u1", "t1", "track-deletion", vo.QuotaUsage{SecondsDelta: -500, BytesDelta: -10000})
	require.NoError(t, err)
	assert.Equal(t, 0.0, quotas.quotas["u1"].UsedSeconds)
	assert.Equal(t, int64(0), quotas.quotas["u1"].UsedBytes)
}

func TestQuotaAccountant_ZeroUsageIsNoop(t *testing.T) {
	quotas := newMemQuotaRepo(100)
	warning, err := NewQuotaAccountant().ApplyUsage(context.Background(), quotas, "u1", "t1", "x", vo.QuotaUsage{})
	require.NoError(t, err)
	assert.Nil(t, warning)
	assert.Zero(t, quotas.saves)
}

func TestQuotaAccountant_CheckCapacity(t *testing.T) {
	ctx := context.Background()
	quotas := newMemQuotaRepo(100)
	acc := NewQuotaAccountant()

	ok, err := acc.CheckCapacity(ctx, quotas, "u1", 100)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = acc.CheckCapacity(ctx, quotas, "u1", 100.5)
	require.NoError(t, err)
	assert.False(t, ok)

	err = acc.Exceeded(ctx, quotas, "u1", 150)
	var quotaErr *errno.QuotaExceededError
	require.True(t, errors.As(err, &quotaErr))
	assert.Equal(t, 150.0, quotaErr.UsedSeconds)
	assert.False(t, errno.IsRetryable(err))

	warning, err := acc.OverQuotaWarning(ctx, quotas, "u1", "t9", "raw-upload", 150)
	require.NoError(t, err)
	require.NotNil(t, warning)
	assert.Equal(t, "raw-upload", warning.Stage)
	assert.Zero(t, quotas.saves)
}

func TestArtifactPrefixes(t *testing.T) {
	assert.Equal(t, "tracks/t1/full", FullMixPrefix("t1"))
	assert.Equal(t, "tracks/t1/stems/3", StemPrefix("t1", 3))
	assert.Equal(t, "originals/t1", OriginalPrefix("t1"))
	assert.Equal(t, "stems/s1/source", StemSourcePrefix("s1"))
}
