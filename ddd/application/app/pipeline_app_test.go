package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"audio-pipeline/ddd/application/cqe"
	"audio-pipeline/ddd/domain/entity"
	"audio-pipeline/ddd/domain/vo"
	"audio-pipeline/pkg/errno"
)

type PipelineAppTestSuite struct {
	suite.Suite
	ctx   context.Context
	store *memStore
	queue *fakeQueue
	app   *pipelineAppImpl
	now   time.Time
}

func (s *PipelineAppTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = newMemStore(600)
	s.queue = &fakeQueue{}
	s.now = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	s.app = NewPipelineApp(s.store, s.queue).(*pipelineAppImpl)
	s.app.now = func() time.Time { return s.now }

	s.store.putTrack(&entity.Track{
		ID:     "t1",
		UserID: "u1",
		Status: vo.TrackStatusActive,
		Audio: entity.AudioSet{
			MP3: entity.Rendition{URL: "http://cdn.local/audio/tracks/t1/full/a.mp3", SizeBytes: 10, Status: vo.ConversionCompleted},
			WAV: entity.Rendition{URL: "http://cdn.local/audio/tracks/t1/full/a.wav", SizeBytes: 42, Status: vo.ConversionCompleted},
		},
	})
	s.store.putStem(&entity.Stem{ID: "s1", TrackID: "t1", Index: 0, Name: "bass"})
	s.store.putTrack(&entity.Track{ID: "t2", UserID: "u1", Status: vo.TrackStatusActive})
}

func (s *PipelineAppTestSuite) TestRequestAudioFileAvailable() {
	out, err := s.app.RequestAudioFile(s.ctx, &cqe.AudioFileReq{TrackID: "t1", Format: "wav"})
	s.Require().NoError(err)
	s.True(out.Ready())
	s.Equal("http://cdn.local/audio/tracks/t1/full/a.wav", out.URL)
	s.Equal(int64(42), out.SizeBytes)
	s.Empty(out.JobID)
	s.Empty(s.queue.jobs)

	touched := s.store.track(s.T(), "t1").Audio.WAV.LastRequestedAt
	s.Require().NotNil(touched)
	s.True(touched.Equal(s.now))
}

func (s *PipelineAppTestSuite) TestRequestAudioFileEnqueuesMissingFormat() {
	out, err := s.app.RequestAudioFile(s.ctx, &cqe.AudioFileReq{TrackID: "t1", Format: "FLAC"})
	s.Require().NoError(err)
	s.False(out.Ready())
	s.Equal(vo.ConversionInProgress.String(), out.Status)
	s.Equal("audio-file-conversion-job", out.JobID)
	s.Equal(vo.ConversionInProgress, s.store.track(s.T(), "t1").Audio.FLAC.Status)

	jobs := s.queue.enqueuedOn(vo.QueueAudioFileConversion)
	s.Require().Len(jobs, 1)
	s.Equal(vo.AudioFileConversionJob{TrackID: "t1", Type: vo.TargetFull, Format: vo.FormatFLAC}, jobs[0].payload)

	// 转换中的重复请求不再入队
	out, err = s.app.RequestAudioFile(s.ctx, &cqe.AudioFileReq{TrackID: "t1", Format: "flac"})
	s.Require().NoError(err)
	s.Equal(vo.ConversionInProgress.String(), out.Status)
	s.Empty(out.JobID)
	s.Len(s.queue.enqueuedOn(vo.QueueAudioFileConversion), 1)
}

func (s *PipelineAppTestSuite) TestRequestAudioFileForStem() {
	out, err := s.app.RequestAudioFile(s.ctx, &cqe.AudioFileReq{TrackID: "t1", StemID: "s1", Format: "wav"})
	s.Require().NoError(err)
	s.Equal("s1", out.StemID)
	s.Equal(vo.ConversionInProgress, s.store.stemsOf("t1")[0].Audio.WAV.Status)

	jobs := s.queue.enqueuedOn(vo.QueueAudioFileConversion)
	s.Require().Len(jobs, 1)
	s.Equal(vo.AudioFileConversionJob{TrackID: "t1", Type: vo.TargetStem, StemID: "s1", Format: vo.FormatWAV}, jobs[0].payload)

	_, err = s.app.RequestAudioFile(s.ctx, &cqe.AudioFileReq{TrackID: "t2", StemID: "s1", Format: "wav"})
	s.ErrorIs(err, errno.ErrStemNotFound)
}

func (s *PipelineAppTestSuite) TestRequestAudioFileEnqueueFailureRevertsStatus() {
	s.queue.err = errors.New("redis down")
	failed := s.store.track(s.T(), "t2")
	failed.Audio.WAV.Status = vo.ConversionFailed
	s.store.putTrack(failed)

	_, err := s.app.RequestAudioFile(s.ctx, &cqe.AudioFileReq{TrackID: "t2", Format: "wav"})
	s.ErrorIs(err, errno.ErrEnqueueFailed)
	s.Equal(vo.ConversionFailed, s.store.track(s.T(), "t2").Audio.WAV.Status)
}

func (s *PipelineAppTestSuite) TestRequestAudioFileRejects() {
	_, err := s.app.RequestAudioFile(s.ctx, &cqe.AudioFileReq{TrackID: "t1", Format: "mp3"})
	s.ErrorIs(err, errno.ErrUnsupportedFormat)

	_, err = s.app.RequestAudioFile(s.ctx, &cqe.AudioFileReq{TrackID: "nope", Format: "wav"})
	s.ErrorIs(err, errno.ErrTrackNotFound)

	_, err = s.app.RequestAudioFile(s.ctx, &cqe.AudioFileReq{Format: "wav"})
	s.ErrorIs(err, errno.ErrTrackIDRequired)

	s.Require().NoError(s.store.Tracks().MarkPendingDeletion(s.ctx, []string{"t2"}))
	_, err = s.app.RequestAudioFile(s.ctx, &cqe.AudioFileReq{TrackID: "t2", Format: "wav"})
	s.ErrorIs(err, errno.ErrTrackPendingDelete)
	s.Empty(s.queue.jobs)
}

func (s *PipelineAppTestSuite) TestDeleteTracksMarksAndEnqueues() {
	job, err := s.app.DeleteTracks(s.ctx, &cqe.DeleteTracksReq{TrackIDs: []string{"t1", "t2", "t1"}})
	s.Require().NoError(err)
	s.Equal(vo.QueueTrackDeletion.String(), job.Queue)

	s.Equal(vo.TrackStatusPendingDeletion, s.store.track(s.T(), "t1").Status)
	s.Equal(vo.TrackStatusPendingDeletion, s.store.track(s.T(), "t2").Status)
	jobs := s.queue.enqueuedOn(vo.QueueTrackDeletion)
	s.Require().Len(jobs, 1)
	s.Equal(vo.TrackDeletionJob{TrackIDs: []string{"t1", "t2"}}, jobs[0].payload)

	_, err = s.app.EnqueueTrackConversion(s.ctx, &cqe.ConvertTrackReq{TrackID: "t1"})
	s.ErrorIs(err, errno.ErrTrackPendingDelete)

	_, err = s.app.DeleteTracks(s.ctx, &cqe.DeleteTracksReq{TrackIDs: []string{""}})
	s.ErrorIs(err, errno.ErrTrackIDRequired)
}

func (s *PipelineAppTestSuite) TestEnqueueStemAndRegeneration() {
	_, err := s.app.EnqueueStemProcessing(s.ctx, &cqe.ProcessStemReq{StemID: "s1", StemFileURL: "staging://uploads/x.wav", StemFileName: "x.wav", UserID: "u1"})
	s.Require().NoError(err)
	jobs := s.queue.enqueuedOn(vo.QueueStemProcessing)
	s.Require().Len(jobs, 1)
	s.Equal(vo.StemProcessingJob{StemID: "s1", StemFileURL: "staging://uploads/x.wav", StemFileName: "x.wav", TrackID: "t1", UserID: "u1"}, jobs[0].payload)

	_, err = s.app.EnqueueStemProcessing(s.ctx, &cqe.ProcessStemReq{StemID: "s1", TrackID: "t2", StemFileURL: "staging://uploads/x.wav"})
	s.ErrorIs(err, errno.ErrStemNotFound)

	_, err = s.app.EnqueueStemProcessing(s.ctx, &cqe.ProcessStemReq{StemID: "s1"})
	s.ErrorIs(err, errno.ErrInvalidParam)

	_, err = s.app.EnqueueTrackRegeneration(s.ctx, &cqe.RegenerateTrackReq{TrackID: "t1"})
	s.Require().NoError(err)
	regen := s.queue.enqueuedOn(vo.QueueTrackRegeneration)
	s.Require().Len(regen, 1)
	s.Equal(vo.TrackRegenerationJob{TrackID: "t1", Reason: vo.RegenerationReasonManual}, regen[0].payload)
}

func (s *PipelineAppTestSuite) TestEnqueueCleanupUsesJobID() {
	job, err := s.app.EnqueueCleanup(s.ctx, "file-cleanup:2026-05-04")
	s.Require().NoError(err)
	s.Equal(vo.QueueFileCleanup.String(), job.Queue)

	jobs := s.queue.enqueuedOn(vo.QueueFileCleanup)
	s.Require().Len(jobs, 1)
	s.Require().NotNil(jobs[0].opts)
	s.Equal("file-cleanup:2026-05-04", jobs[0].opts.JobID)
	s.Equal(vo.FileCleanupJob{Type: vo.CleanupTypeScheduled}, jobs[0].payload)

	_, err = s.app.EnqueueCleanup(s.ctx, "")
	s.Require().NoError(err)
	s.Nil(s.queue.enqueuedOn(vo.QueueFileCleanup)[1].opts)
}

func (s *PipelineAppTestSuite) TestQueueStats() {
	stats, err := s.app.QueueStats(s.ctx)
	s.Require().NoError(err)
	s.Len(stats.Queues, 1)
}

func TestPipelineAppTestSuite(t *testing.T) {
	suite.Run(t, new(PipelineAppTestSuite))
}
