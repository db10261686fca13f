package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audio-pipeline/ddd/domain/entity"
	"audio-pipeline/ddd/domain/port"
	"audio-pipeline/ddd/domain/repo"
	"audio-pipeline/ddd/domain/service"
	"audio-pipeline/ddd/domain/vo"
	"audio-pipeline/ddd/infrastructure/queue"
	"audio-pipeline/pkg/errno"
)

func stageFile(t *testing.T, f *pipelineFixture, rel string, data []byte) string {
	t.Helper()
	path := filepath.Join(f.staging, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return "staging://" + rel
}

func mp3Of(wav []byte) []byte {
	return append(append([]byte{}, mp3Magic...), wav...)
}

func twoStemModule(t *testing.T, f *pipelineFixture) (full, bass, lead []byte) {
	full, bass, lead = monoWav(t, 3), monoWav(t, 3), monoWav(t, 2)
	f.converter.render = &port.ModuleRender{
		FullMix: full,
		Stems: []port.RenderedStem{
			{Index: 0, Name: "bass", Data: bass},
			{Index: 1, Name: "lead", Data: lead},
		},
	}
	return full, bass, lead
}

func newModuleTrack(t *testing.T, f *pipelineFixture, id, userID string) *entity.Track {
	track := &entity.Track{
		ID:               id,
		UserID:           userID,
		OriginalURL:      stageFile(t, f, "uploads/"+id+".xm", []byte("XM module bytes")),
		OriginalFormat:   vo.FormatXM,
		Status:           vo.TrackStatusActive,
		ProcessingStatus: vo.ConversionNotStarted,
	}
	f.store.putTrack(track)
	return track
}

func TestConvertTrack_ModuleWithTwoStems(t *testing.T) {
	f := newPipelineFixture(t, 600)
	full, bass, lead := twoStemModule(t, f)
	track := newModuleTrack(t, f, "t1", "u1")

	require.NoError(t, f.workers.ConvertTrack(f.ctx, vo.TrackConversionJob{TrackID: "t1"}))

	got := f.store.track(t, "t1")
	assert.Equal(t, vo.ConversionCompleted, got.ProcessingStatus)
	assert.True(t, f.exists(got.Audio.MP3.URL))
	assert.Equal(t, int64(len(mp3Of(full))), got.Audio.MP3.SizeBytes)
	require.NotNil(t, got.Audio.Waveform)
	assert.InDelta(t, 3.0, got.Audio.Duration, 1e-9)
	assert.True(t, strings.HasPrefix(got.OriginalURL, cdnBase+"/audio/originals/t1/"))
	assert.True(t, strings.HasSuffix(got.OriginalURL, ".xm"))
	assert.True(t, f.exists(got.OriginalURL))
	assert.Empty(t, got.Audio.WAV.URL)

	staged, err := f.gateway.StagedPath(track.OriginalURL)
	require.NoError(t, err)
	_, err = os.Stat(staged)
	assert.True(t, os.IsNotExist(err), "staged original should be removed after promotion")

	stems := f.store.stemsOf("t1")
	require.Len(t, stems, 2)
	assert.Equal(t, []string{"bass", "lead"}, []string{stems[0].Name, stems[1].Name})
	assert.Equal(t, []int{0, 1}, []int{stems[0].Index, stems[1].Index})
	for i, s := range stems {
		assert.Equal(t, vo.ConversionCompleted, s.ProcessingStatus)
		assert.True(t, f.exists(s.Audio.MP3.URL))
		assert.Contains(t, s.Audio.MP3.URL, "/tracks/t1/stems/"+[]string{"0", "1"}[i]+"/")
		require.NotNil(t, s.Audio.Waveform)
	}
	assert.InDelta(t, 3.0, stems[0].Audio.Duration, 1e-9)
	assert.InDelta(t, 2.0, stems[1].Audio.Duration, 1e-9)

	mp3Bytes := int64(len(mp3Of(full)) + len(mp3Of(bass)) + len(mp3Of(lead)))
	q := f.store.quota("u1")
	assert.InDelta(t, 3.0, q.UsedSeconds, 1e-9)
	assert.Equal(t, mp3Bytes, q.UsedBytes)
	assert.Equal(t, mp3Bytes, got.QuotaBytesCharged)
	assert.Len(t, f.objects.Keys(), 4)
	assert.Empty(t, f.notifier.warnings)
}

func TestConvertTrack_DuplicateDeliveryDoesNotDoubleCount(t *testing.T) {
	f := newPipelineFixture(t, 600)
	twoStemModule(t, f)
	newModuleTrack(t, f, "t1", "u1")

	require.NoError(t, f.workers.ConvertTrack(f.ctx, vo.TrackConversionJob{TrackID: "t1"}))
	first := f.store.track(t, "t1")
	require.NoError(t, f.workers.ConvertTrack(f.ctx, vo.TrackConversionJob{TrackID: "t1"}))

	assert.Equal(t, 1, f.converter.renderCount())
	assert.InDelta(t, 3.0, f.store.quota("u1").UsedSeconds, 1e-9)
	assert.Equal(t, first.Audio.MP3.URL, f.store.track(t, "t1").Audio.MP3.URL)

	// 失败后重新投递按差值记账，旧产物被替换
	require.NoError(t, f.store.Tracks().UpdateProcessingStatus(f.ctx, "t1", vo.ConversionFailed))
	require.NoError(t, f.workers.ConvertTrack(f.ctx, vo.TrackConversionJob{TrackID: "t1"}))

	again := f.store.track(t, "t1")
	assert.Equal(t, 2, f.converter.renderCount())
	assert.InDelta(t, 3.0, f.store.quota("u1").UsedSeconds, 1e-9)
	assert.NotEqual(t, first.Audio.MP3.URL, again.Audio.MP3.URL)
	assert.False(t, f.exists(first.Audio.MP3.URL))
	assert.True(t, f.exists(again.OriginalURL))
	assert.Len(t, f.store.stemsOf("t1"), 2)
}

func TestConvertTrack_RawWavOverQuotaWarnsOnly(t *testing.T) {
	f := newPipelineFixture(t, 1)
	wav := monoWav(t, 2)
	f.store.putTrack(&entity.Track{
		ID:          "t2",
		UserID:      "u1",
		OriginalURL: stageFile(t, f, "uploads/t2.wav", wav),
		Status:      vo.TrackStatusActive,
	})

	require.NoError(t, f.workers.ConvertTrack(f.ctx, vo.TrackConversionJob{TrackID: "t2"}))

	got := f.store.track(t, "t2")
	assert.Equal(t, vo.ConversionCompleted, got.ProcessingStatus)
	assert.Equal(t, vo.FormatWAV, got.OriginalFormat)
	assert.True(t, got.Audio.WAV.Available())
	assert.Equal(t, got.OriginalURL, got.Audio.WAV.URL)
	assert.Equal(t, int64(len(wav)), got.Audio.WAV.SizeBytes)
	assert.InDelta(t, 2.0, got.Audio.Duration, 1e-9)
	assert.Empty(t, f.store.stemsOf("t2"))

	require.Len(t, f.notifier.warnings, 1)
	w := f.notifier.warnings[0]
	assert.Equal(t, "u1", w.UserID)
	assert.Equal(t, "t2", w.TrackID)
	assert.Equal(t, vo.QueueTrackConversion.String(), w.Stage)
	assert.InDelta(t, 2.0, w.UsedSeconds, 1e-9)
}

func TestConvertTrack_StaleAndMissing(t *testing.T) {
	f := newPipelineFixture(t, 600)

	err := f.workers.ConvertTrack(f.ctx, vo.TrackConversionJob{TrackID: "nope"})
	require.Error(t, err)
	assert.True(t, errno.IsNotFound(err))
	assert.False(t, errno.IsRetryable(err))

	f.store.putTrack(&entity.Track{ID: "t3", UserID: "u1", OriginalURL: "staging://gone.xm", Status: vo.TrackStatusPendingDeletion})
	require.NoError(t, f.workers.ConvertTrack(f.ctx, vo.TrackConversionJob{TrackID: "t3"}))
	assert.Equal(t, vo.ConversionStatus(""), f.store.track(t, "t3").ProcessingStatus)
}

func TestConvertTrack_TransactionFailureRemovesUploads(t *testing.T) {
	f := newPipelineFixture(t, 600)
	twoStemModule(t, f)
	track := newModuleTrack(t, f, "t1", "u1")
	f.store.failTx = errors.New("database unavailable")

	err := f.workers.ConvertTrack(f.ctx, vo.TrackConversionJob{TrackID: "t1"})
	var txErr *errno.TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.True(t, errno.IsRetryable(err))
	assert.Empty(t, f.objects.Keys())

	staged, err := f.gateway.StagedPath(track.OriginalURL)
	require.NoError(t, err)
	_, err = os.Stat(staged)
	assert.NoError(t, err, "staged original must survive for the retry")
	assert.Equal(t, float64(0), f.store.quota("u1").UsedSeconds)
}

func TestConvertAudioFile_WavFromModuleSource(t *testing.T) {
	f := newPipelineFixture(t, 600)
	full, _, lead := twoStemModule(t, f)
	original := f.putObject(t, []byte("XM module bytes"), service.OriginalPrefix("t1"), vo.FormatXM)
	mp3 := f.putObject(t, mp3Of(full), service.FullMixPrefix("t1"), vo.FormatMP3)
	f.store.putTrack(&entity.Track{
		ID:               "t1",
		UserID:           "u1",
		OriginalURL:      original,
		OriginalFormat:   vo.FormatXM,
		Status:           vo.TrackStatusActive,
		ProcessingStatus: vo.ConversionCompleted,
		Audio:            entity.AudioSet{MP3: entity.Rendition{URL: mp3, SizeBytes: int64(len(full) + 4), Status: vo.ConversionCompleted}},
	})
	f.store.putStem(&entity.Stem{ID: "s1", TrackID: "t1", Index: 1, Name: "lead", ProcessingStatus: vo.ConversionCompleted})

	require.NoError(t, f.workers.ConvertAudioFile(f.ctx, vo.AudioFileConversionJob{TrackID: "t1", Type: vo.TargetFull, Format: vo.FormatWAV}))

	got := f.store.track(t, "t1")
	require.True(t, got.Audio.WAV.Available())
	assert.Equal(t, vo.ConversionCompleted, got.Audio.WAV.Status)
	assert.Equal(t, int64(len(full)), got.Audio.WAV.SizeBytes)
	require.NotNil(t, got.Audio.WAV.LastRequestedAt)
	data, err := f.gateway.GetObject(f.ctx, got.Audio.WAV.URL)
	require.NoError(t, err)
	assert.Equal(t, full, data)
	assert.Equal(t, 1, f.converter.renderCount())

	// FLAC 优先使用已有的 WAV，不再渲染
	require.NoError(t, f.workers.ConvertAudioFile(f.ctx, vo.AudioFileConversionJob{TrackID: "t1", Type: vo.TargetFull, Format: vo.FormatFLAC}))
	got = f.store.track(t, "t1")
	require.True(t, got.Audio.FLAC.Available())
	data, err = f.gateway.GetObject(f.ctx, got.Audio.FLAC.URL)
	require.NoError(t, err)
	assert.Equal(t, append(append([]byte{}, flacMagic...), full...), data)
	assert.Equal(t, 1, f.converter.renderCount())

	// 分轨按通道序号取渲染结果
	require.NoError(t, f.workers.ConvertAudioFile(f.ctx, vo.AudioFileConversionJob{TrackID: "t1", Type: vo.TargetStem, StemID: "s1", Format: vo.FormatWAV}))
	stem := f.store.stemsOf("t1")[0]
	require.True(t, stem.Audio.WAV.Available())
	assert.Contains(t, stem.Audio.WAV.URL, "/tracks/t1/stems/1/")
	data, err = f.gateway.GetObject(f.ctx, stem.Audio.WAV.URL)
	require.NoError(t, err)
	assert.Equal(t, lead, data)

	// 已完成的产物只刷新请求时间
	before := len(f.objects.Keys())
	require.NoError(t, f.workers.ConvertAudioFile(f.ctx, vo.AudioFileConversionJob{TrackID: "t1", Type: vo.TargetFull, Format: vo.FormatWAV}))
	assert.Len(t, f.objects.Keys(), before)
}

func TestConvertAudioFile_RejectsInvalidTargets(t *testing.T) {
	f := newPipelineFixture(t, 600)
	f.store.putTrack(&entity.Track{ID: "t1", UserID: "u1", Status: vo.TrackStatusActive})

	err := f.workers.ConvertAudioFile(f.ctx, vo.AudioFileConversionJob{TrackID: "t1", Format: vo.FormatMP3})
	assert.False(t, errno.IsRetryable(err))

	err = f.workers.ConvertAudioFile(f.ctx, vo.AudioFileConversionJob{TrackID: "t1", Type: vo.TargetStem, StemID: "other", Format: vo.FormatWAV})
	assert.True(t, errno.IsNotFound(err))

	err = f.workers.ConvertAudioFile(f.ctx, vo.AudioFileConversionJob{TrackID: "t1", Type: vo.TargetFull, Format: vo.FormatWAV})
	var convErr *errno.ConversionError
	assert.ErrorAs(t, err, &convErr)
}

// forkFixture 上游音轨 p1 与继承其分轨的派生音轨 f1
func forkFixture(t *testing.T, f *pipelineFixture) (parentFull, parentLead string) {
	bass, lead, full := monoWav(t, 3), monoWav(t, 2), monoWav(t, 3)
	parentFull = f.putObject(t, mp3Of(full), service.FullMixPrefix("p1"), vo.FormatMP3)
	parentBass := f.putObject(t, mp3Of(bass), service.StemPrefix("p1", 0), vo.FormatMP3)
	parentLead = f.putObject(t, mp3Of(lead), service.StemPrefix("p1", 1), vo.FormatMP3)

	done := func(url string, size int) entity.AudioSet {
		return entity.AudioSet{MP3: entity.Rendition{URL: url, SizeBytes: int64(size), Status: vo.ConversionCompleted}}
	}
	parentID := "p1"
	f.store.putTrack(&entity.Track{ID: "p1", UserID: "u1", Status: vo.TrackStatusActive, ProcessingStatus: vo.ConversionCompleted, Audio: done(parentFull, len(full)+4)})
	f.store.putTrack(&entity.Track{ID: "f1", UserID: "u2", ParentTrackID: &parentID, Status: vo.TrackStatusActive, ProcessingStatus: vo.ConversionCompleted, Audio: done(parentFull, len(full)+4)})
	f.store.putStem(&entity.Stem{ID: "ps0", TrackID: "p1", Index: 0, Name: "bass", ProcessingStatus: vo.ConversionCompleted, Audio: done(parentBass, len(bass)+4)})
	f.store.putStem(&entity.Stem{ID: "ps1", TrackID: "p1", Index: 1, Name: "lead", ProcessingStatus: vo.ConversionCompleted, Audio: done(parentLead, len(lead)+4)})
	ps0, ps1 := "ps0", "ps1"
	f.store.putStem(&entity.Stem{ID: "fs0", TrackID: "f1", Index: 0, Name: "bass", InheritedFromStemID: &ps0, ProcessingStatus: vo.ConversionCompleted, Audio: done(parentBass, len(bass)+4)})
	f.store.putStem(&entity.Stem{ID: "fs1", TrackID: "f1", Index: 1, Name: "lead", InheritedFromStemID: &ps1, ProcessingStatus: vo.ConversionCompleted, Audio: done(parentLead, len(lead)+4)})
	return parentFull, parentLead
}

func TestStemReplacementOnForkThenRegeneration(t *testing.T) {
	f := newPipelineFixture(t, 600)
	parentFull, parentLead := forkFixture(t, f)
	replacement := monoWav(t, 5)
	location := stageFile(t, f, "uploads/new-lead.wav", replacement)

	require.NoError(t, f.workers.ProcessStem(f.ctx, vo.StemProcessingJob{
		StemID:       "fs1",
		StemFileURL:  location,
		StemFileName: "new-lead.wav",
		TrackID:      "f1",
		UserID:       "u2",
	}))

	stems := f.store.stemsOf("f1")
	require.Len(t, stems, 2)
	lead := stems[1]
	assert.Equal(t, vo.ConversionCompleted, lead.ProcessingStatus)
	assert.False(t, lead.IsInherited())
	assert.Equal(t, vo.FormatWAV, lead.SourceFormat)
	assert.True(t, strings.HasPrefix(lead.SourceURL, cdnBase+"/audio/stems/fs1/source/"))
	assert.NotEqual(t, parentLead, lead.Audio.MP3.URL)
	assert.InDelta(t, 5.0, lead.Audio.Duration, 1e-9)
	assert.True(t, f.exists(parentLead), "inherited artifact belongs to the parent")

	jobs := f.queue.enqueuedOn(vo.QueueTrackRegeneration)
	require.Len(t, jobs, 1)
	regen, ok := jobs[0].payload.(vo.TrackRegenerationJob)
	require.True(t, ok)
	assert.Equal(t, vo.TrackRegenerationJob{TrackID: "f1", Reason: vo.RegenerationReasonStemUpdated, UpdatedStemID: "fs1"}, regen)

	require.NoError(t, f.workers.RegenerateTrack(f.ctx, regen))

	fork := f.store.track(t, "f1")
	assert.Equal(t, vo.ConversionCompleted, fork.ProcessingStatus)
	assert.NotEqual(t, parentFull, fork.Audio.MP3.URL)
	assert.True(t, f.exists(parentFull), "parent full mix stays referenced by the parent")
	assert.InDelta(t, 5.0, fork.Audio.Duration, 1e-9)
	require.True(t, fork.Audio.WAV.Available())
	require.True(t, fork.Audio.FLAC.Available())
	wav, err := f.gateway.GetObject(f.ctx, fork.Audio.WAV.URL)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, wavDuration(t, wav), 1e-9)

	assert.InDelta(t, 5.0, f.store.quota("u2").UsedSeconds, 1e-9)
	assert.Equal(t, float64(0), f.store.quota("u1").UsedSeconds)
	assert.Equal(t, parentFull, f.store.track(t, "p1").Audio.MP3.URL)
}

func TestRegenerateTrack_OverQuotaSkipsLossless(t *testing.T) {
	f := newPipelineFixture(t, 1)
	forkFixture(t, f)
	flacsBefore := f.converter.flacCount()

	require.NoError(t, f.workers.RegenerateTrack(f.ctx, vo.TrackRegenerationJob{TrackID: "f1", Reason: vo.RegenerationReasonManual}))

	fork := f.store.track(t, "f1")
	assert.Equal(t, vo.ConversionCompleted, fork.ProcessingStatus)
	assert.InDelta(t, 3.0, fork.Audio.Duration, 1e-9)
	assert.Empty(t, fork.Audio.WAV.URL)
	assert.Empty(t, fork.Audio.FLAC.URL)
	assert.Equal(t, flacsBefore, f.converter.flacCount())
	require.NotEmpty(t, f.notifier.warnings)
	assert.Equal(t, vo.QueueTrackRegeneration.String(), f.notifier.warnings[0].Stage)
}

func TestRegenerateTrack_StaleAndEmpty(t *testing.T) {
	f := newPipelineFixture(t, 600)
	f.store.putTrack(&entity.Track{ID: "t1", UserID: "u1", Status: vo.TrackStatusActive})

	err := f.workers.RegenerateTrack(f.ctx, vo.TrackRegenerationJob{TrackID: "t1"})
	var mixErr *errno.MixError
	require.ErrorAs(t, err, &mixErr)
	assert.False(t, errno.IsRetryable(err))

	f.store.putStem(&entity.Stem{ID: "s1", TrackID: "t1", ProcessingStatus: vo.ConversionInProgress})
	require.NoError(t, f.workers.RegenerateTrack(f.ctx, vo.TrackRegenerationJob{TrackID: "t1", UpdatedStemID: "s1"}))
	assert.Empty(t, f.store.track(t, "t1").ProcessingStatus)
}

func TestDeleteTracks_PartialFailure(t *testing.T) {
	f := newPipelineFixture(t, 600)
	shared := f.putObject(t, []byte("shared"), service.FullMixPrefix("t1"), vo.FormatWAV)
	t1MP3 := f.putObject(t, []byte("t1-mp3"), service.FullMixPrefix("t1"), vo.FormatMP3)
	t1Orig := f.putObject(t, []byte("t1-orig"), service.OriginalPrefix("t1"), vo.FormatXM)
	t2MP3 := f.putObject(t, []byte("t2-mp3"), service.FullMixPrefix("t2"), vo.FormatMP3)
	t2Stem := f.putObject(t, []byte("t2-stem"), service.StemPrefix("t2", 0), vo.FormatMP3)

	completed := func(url string) entity.Rendition {
		return entity.Rendition{URL: url, Status: vo.ConversionCompleted}
	}
	f.store.putTrack(&entity.Track{ID: "t1", UserID: "u1", Status: vo.TrackStatusPendingDeletion, OriginalURL: t1Orig,
		QuotaSecondsCharged: 3, QuotaBytesCharged: 6, Audio: entity.AudioSet{MP3: completed(t1MP3), WAV: completed(shared)}})
	f.store.putTrack(&entity.Track{ID: "t2", UserID: "u1", Status: vo.TrackStatusPendingDeletion,
		QuotaSecondsCharged: 2, Audio: entity.AudioSet{MP3: completed(t2MP3)}})
	f.store.putStem(&entity.Stem{ID: "s2", TrackID: "t2", Audio: entity.AudioSet{MP3: completed(t2Stem)}})
	f.store.putTrack(&entity.Track{ID: "t3", UserID: "u1", Status: vo.TrackStatusActive, Audio: entity.AudioSet{WAV: completed(shared)}})
	require.NoError(t, f.store.Quotas().Save(f.ctx, &entity.UserQuota{UserID: "u1", FreeSeconds: 600, UsedSeconds: 5, UsedBytes: 6}))
	f.objects.FailRemove(f.objectKey(t2MP3), -1)

	report, err := f.workers.DeleteTracks(f.ctx, vo.TrackDeletionJob{TrackIDs: []string{"t1", "t2", "t3", "missing", "t1"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"t1"}, report.Deleted)
	assert.ElementsMatch(t, []string{"t3", "missing"}, report.Skipped)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "t2", report.Failed[0].TrackID)
	assert.Equal(t, []string{t2MP3}, report.Failed[0].URLs)
	assert.NotEmpty(t, report.Failed[0].Reason)

	assert.False(t, f.store.hasTrack("t1"))
	assert.True(t, f.store.hasTrack("t2"))
	assert.Len(t, f.store.stemsOf("t2"), 1)
	assert.False(t, f.exists(t1MP3))
	assert.False(t, f.exists(t1Orig))
	assert.True(t, f.exists(shared), "artifact still referenced by t3")
	assert.True(t, f.exists(t2MP3))

	q := f.store.quota("u1")
	assert.InDelta(t, 2.0, q.UsedSeconds, 1e-9)
	assert.Equal(t, int64(0), q.UsedBytes)
}

func TestDeleteTracks_SharedFileWaitsForEveryHolder(t *testing.T) {
	f := newPipelineFixture(t, 600)
	shared := f.putObject(t, []byte("shared"), service.FullMixPrefix("t1"), vo.FormatWAV)
	t1MP3 := f.putObject(t, []byte("t1-mp3"), service.FullMixPrefix("t1"), vo.FormatMP3)
	t2MP3 := f.putObject(t, []byte("t2-mp3"), service.FullMixPrefix("t2"), vo.FormatMP3)

	completed := func(url string) entity.Rendition {
		return entity.Rendition{URL: url, Status: vo.ConversionCompleted}
	}
	f.store.putTrack(&entity.Track{ID: "t1", UserID: "u1", Status: vo.TrackStatusPendingDeletion,
		Audio: entity.AudioSet{MP3: completed(t1MP3), WAV: completed(shared)}})
	f.store.putTrack(&entity.Track{ID: "t2", UserID: "u1", Status: vo.TrackStatusPendingDeletion,
		Audio: entity.AudioSet{MP3: completed(t2MP3), WAV: completed(shared)}})
	f.objects.FailRemove(f.objectKey(t2MP3), -1)

	report, err := f.workers.DeleteTracks(f.ctx, vo.TrackDeletionJob{TrackIDs: []string{"t1", "t2"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, report.Deleted)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "t2", report.Failed[0].TrackID)
	assert.Equal(t, []string{t2MP3}, report.Failed[0].URLs)
	assert.False(t, f.exists(t1MP3))
	assert.True(t, f.exists(shared), "t2 still points at the shared file")

	f.objects.FailRemove(f.objectKey(t2MP3), 0)
	report, err = f.workers.DeleteTracks(f.ctx, vo.TrackDeletionJob{TrackIDs: []string{"t2"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"t2"}, report.Deleted)
	assert.Empty(t, report.Failed)
	assert.False(t, f.exists(shared))
	assert.False(t, f.exists(t2MP3))
}

func TestCleanupFiles_RespectsRetentionAndDurableArtifacts(t *testing.T) {
	f := newPipelineFixture(t, 600)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.workers.now = func() time.Time { return now }
	ago := func(d time.Duration) *time.Time { v := now.Add(-d); return &v }

	mp3 := f.putObject(t, []byte("mp3"), service.FullMixPrefix("t1"), vo.FormatMP3)
	orig := f.putObject(t, []byte("orig"), service.OriginalPrefix("t1"), vo.FormatXM)
	staleWav := f.putObject(t, []byte("wav"), service.FullMixPrefix("t1"), vo.FormatWAV)
	freshFlac := f.putObject(t, []byte("flac"), service.FullMixPrefix("t1"), vo.FormatFLAC)
	stemWav := f.putObject(t, []byte("stem-wav"), service.StemPrefix("t1", 0), vo.FormatWAV)
	rawOrig := f.putObject(t, []byte("raw"), service.OriginalPrefix("t2"), vo.FormatWAV)
	stuck := f.putObject(t, []byte("stuck"), service.FullMixPrefix("t3"), vo.FormatWAV)

	f.store.putTrack(&entity.Track{ID: "t1", UserID: "u1", Status: vo.TrackStatusActive, OriginalURL: orig, Audio: entity.AudioSet{
		MP3:  entity.Rendition{URL: mp3, Status: vo.ConversionCompleted, CreatedAt: ago(90 * 24 * time.Hour), LastRequestedAt: ago(90 * 24 * time.Hour)},
		WAV:  entity.Rendition{URL: staleWav, Status: vo.ConversionCompleted, CreatedAt: ago(72 * time.Hour), LastRequestedAt: ago(48 * time.Hour)},
		FLAC: entity.Rendition{URL: freshFlac, Status: vo.ConversionCompleted, CreatedAt: ago(72 * time.Hour), LastRequestedAt: ago(time.Hour)},
	}})
	f.store.putStem(&entity.Stem{ID: "s1", TrackID: "t1", Audio: entity.AudioSet{
		WAV: entity.Rendition{URL: stemWav, Status: vo.ConversionCompleted, CreatedAt: ago(72 * time.Hour)},
	}})
	f.store.putTrack(&entity.Track{ID: "t2", UserID: "u1", Status: vo.TrackStatusActive, OriginalURL: rawOrig, OriginalFormat: vo.FormatWAV, Audio: entity.AudioSet{
		WAV: entity.Rendition{URL: rawOrig, Status: vo.ConversionCompleted, LastRequestedAt: ago(30 * 24 * time.Hour)},
	}})
	f.store.putTrack(&entity.Track{ID: "t3", UserID: "u1", Status: vo.TrackStatusActive, Audio: entity.AudioSet{
		WAV: entity.Rendition{URL: stuck, Status: vo.ConversionCompleted, LastRequestedAt: ago(48 * time.Hour)},
	}})
	f.objects.FailRemove(f.objectKey(stuck), -1)

	report, err := f.workers.CleanupFiles(f.ctx, vo.FileCleanupJob{Type: vo.CleanupTypeScheduled})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Removed)
	assert.Equal(t, 3, report.Cleared)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "t3", report.Errors[0].ID)
	assert.Equal(t, vo.ArtifactFullMix, report.Errors[0].Kind)
	assert.Equal(t, stuck, report.Errors[0].URL)

	t1 := f.store.track(t, "t1")
	assert.Empty(t, t1.Audio.WAV.URL)
	assert.Equal(t, vo.ConversionNotStarted, t1.Audio.WAV.Status)
	assert.Nil(t, t1.Audio.WAV.LastRequestedAt)
	assert.False(t, f.exists(staleWav))
	assert.Equal(t, freshFlac, t1.Audio.FLAC.URL)
	assert.True(t, f.exists(freshFlac))
	assert.Equal(t, mp3, t1.Audio.MP3.URL)
	assert.True(t, f.exists(mp3))
	assert.True(t, f.exists(orig))

	assert.Empty(t, f.store.stemsOf("t1")[0].Audio.WAV.URL)
	assert.False(t, f.exists(stemWav))

	t2 := f.store.track(t, "t2")
	assert.Empty(t, t2.Audio.WAV.URL)
	assert.Equal(t, rawOrig, t2.OriginalURL)
	assert.True(t, f.exists(rawOrig))

	assert.Equal(t, stuck, f.store.track(t, "t3").Audio.WAV.URL)
	assert.True(t, f.exists(stuck))
}

func TestFailureHooksMarkStatus(t *testing.T) {
	f := newPipelineFixture(t, 600)
	f.store.putTrack(&entity.Track{ID: "t1", UserID: "u1", Status: vo.TrackStatusActive, ProcessingStatus: vo.ConversionInProgress})
	f.store.putStem(&entity.Stem{ID: "s1", TrackID: "t1", ProcessingStatus: vo.ConversionInProgress,
		Audio: entity.AudioSet{FLAC: entity.Rendition{Status: vo.ConversionInProgress}}})

	cause := errno.NewConversionError("render", "corrupt module")
	f.workers.trackConversionFailed(f.ctx, vo.TrackConversionJob{TrackID: "t1"}, cause)
	assert.Equal(t, vo.ConversionFailed, f.store.track(t, "t1").ProcessingStatus)

	f.workers.audioFileConversionFailed(f.ctx, vo.AudioFileConversionJob{TrackID: "t1", Type: vo.TargetStem, StemID: "s1", Format: vo.FormatFLAC}, cause)
	f.workers.stemProcessingFailed(f.ctx, vo.StemProcessingJob{StemID: "s1", TrackID: "t1"}, cause)
	stem := f.store.stemsOf("t1")[0]
	assert.Equal(t, vo.ConversionFailed, stem.Audio.FLAC.Status)
	assert.Equal(t, vo.ConversionFailed, stem.ProcessingStatus)
}

func TestProcessStem_RejectedFileStillPassesInProgress(t *testing.T) {
	f := newPipelineFixture(t, 600)
	f.store.putTrack(&entity.Track{ID: "t1", UserID: "u1", Status: vo.TrackStatusActive, ProcessingStatus: vo.ConversionCompleted})
	f.store.putStem(&entity.Stem{ID: "s1", TrackID: "t1", ProcessingStatus: vo.ConversionCompleted})

	job := vo.StemProcessingJob{StemID: "s1", TrackID: "t1", StemFileURL: "staging://uploads/x.xm", StemFileName: "x.xm"}
	err := f.workers.ProcessStem(f.ctx, job)
	var convErr *errno.ConversionError
	require.ErrorAs(t, err, &convErr)

	stem := f.store.stemsOf("t1")[0]
	require.Equal(t, vo.ConversionInProgress, stem.ProcessingStatus)
	assert.True(t, stem.ProcessingStatus.CanTransitionTo(vo.ConversionFailed))

	f.workers.stemProcessingFailed(f.ctx, job, err)
	assert.Equal(t, vo.ConversionFailed, f.store.stemsOf("t1")[0].ProcessingStatus)
	assert.Empty(t, f.queue.enqueuedOn(vo.QueueTrackRegeneration))
}

func TestFailureHooksKeepSettledStatus(t *testing.T) {
	f := newPipelineFixture(t, 600)
	f.store.putTrack(&entity.Track{ID: "t1", UserID: "u1", Status: vo.TrackStatusActive, ProcessingStatus: vo.ConversionCompleted,
		Audio: entity.AudioSet{WAV: entity.Rendition{URL: "w", Status: vo.ConversionCompleted}}})
	f.store.putStem(&entity.Stem{ID: "s1", TrackID: "t1", ProcessingStatus: vo.ConversionCompleted})
	f.store.putTrack(&entity.Track{ID: "t2", UserID: "u1", Status: vo.TrackStatusActive})

	cause := errno.NewConversionError("render", "corrupt module")
	f.workers.trackConversionFailed(f.ctx, vo.TrackConversionJob{TrackID: "t1"}, cause)
	f.workers.trackRegenerationFailed(f.ctx, vo.TrackRegenerationJob{TrackID: "t2"}, cause)
	f.workers.stemProcessingFailed(f.ctx, vo.StemProcessingJob{StemID: "s1", TrackID: "t1"}, cause)
	f.workers.audioFileConversionFailed(f.ctx, vo.AudioFileConversionJob{TrackID: "t1", Type: vo.TargetFull, Format: vo.FormatWAV}, cause)

	t1 := f.store.track(t, "t1")
	assert.Equal(t, vo.ConversionCompleted, t1.ProcessingStatus)
	assert.Equal(t, vo.ConversionCompleted, t1.Audio.WAV.Status)
	assert.Empty(t, f.store.track(t, "t2").ProcessingStatus)
	assert.Equal(t, vo.ConversionCompleted, f.store.stemsOf("t1")[0].ProcessingStatus)
}

// touchingTracks 每次读取后立即刷新最近请求时间，模拟与回收并发的下载请求
type touchingTracks struct {
	repo.TrackRepository
	format vo.AudioFormat
	at     time.Time
}

func (r touchingTracks) GetTrack(ctx context.Context, id string) (*entity.Track, error) {
	t, err := r.TrackRepository.GetTrack(ctx, id)
	if t != nil {
		_ = r.TrackRepository.TouchRendition(ctx, id, r.format, r.at)
	}
	return t, err
}

type touchingStore struct {
	*memStore
	tracks touchingTracks
}

func (s touchingStore) Tracks() repo.TrackRepository { return s.tracks }

func TestCleanupFiles_ConcurrentRequestKeepsFile(t *testing.T) {
	f := newPipelineFixture(t, 600)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.workers.now = func() time.Time { return now }
	old := now.Add(-48 * time.Hour)

	wav := f.putObject(t, []byte("wav"), service.FullMixPrefix("t1"), vo.FormatWAV)
	f.store.putTrack(&entity.Track{ID: "t1", UserID: "u1", Status: vo.TrackStatusActive, Audio: entity.AudioSet{
		WAV: entity.Rendition{URL: wav, Status: vo.ConversionCompleted, CreatedAt: &old, LastRequestedAt: &old},
	}})
	f.workers.store = touchingStore{memStore: f.store, tracks: touchingTracks{TrackRepository: f.store.Tracks(), format: vo.FormatWAV, at: now}}

	report, err := f.workers.CleanupFiles(f.ctx, vo.FileCleanupJob{Type: vo.CleanupTypeScheduled})
	require.NoError(t, err)
	assert.Zero(t, report.Removed)
	assert.Zero(t, report.Cleared)
	assert.Empty(t, report.Errors)

	t1 := f.store.track(t, "t1")
	assert.Equal(t, wav, t1.Audio.WAV.URL)
	require.NotNil(t, t1.Audio.WAV.LastRequestedAt)
	assert.Equal(t, now, *t1.Audio.WAV.LastRequestedAt)
	assert.True(t, f.exists(wav))
}

func TestRegister_RunsHandlersThroughQueue(t *testing.T) {
	f := newPipelineFixture(t, 600)
	twoStemModule(t, f)
	newModuleTrack(t, f, "good", "u1")
	f.store.putTrack(&entity.Track{ID: "bad", UserID: "u1", Status: vo.TrackStatusActive,
		OriginalURL: stageFile(t, f, "uploads/bad.mp3", []byte("not really mp3")), OriginalFormat: vo.FormatMP3})

	backend := queue.NewMemoryBackend(100)
	m := queue.NewManager(backend, queue.Options{Attempts: 3, BackoffBase: 10 * time.Millisecond, PollTimeout: 20 * time.Millisecond})
	f.workers.Register(m, map[string]int{vo.QueueTrackConversion.String(): 2})
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		_ = m.Stop()
		_ = backend.Close()
	})

	_, err := m.Enqueue(f.ctx, vo.QueueTrackConversion, vo.TrackConversionJob{TrackID: "good"}, nil)
	require.NoError(t, err)
	_, err = m.Enqueue(f.ctx, vo.QueueTrackConversion, vo.TrackConversionJob{TrackID: "bad"}, nil)
	require.NoError(t, err)
	_, err = m.Enqueue(f.ctx, vo.QueueTrackConversion, "not an object", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.store.track(t, "good").ProcessingStatus == vo.ConversionCompleted &&
			f.store.track(t, "bad").ProcessingStatus == vo.ConversionFailed
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return m.GetStats(vo.QueueTrackConversion).FailedTasks == 2
	}, 3*time.Second, 10*time.Millisecond)
}
