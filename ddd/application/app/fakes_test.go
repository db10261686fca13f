package app

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/stretchr/testify/require"

	"audio-pipeline/ddd/domain/entity"
	"audio-pipeline/ddd/domain/port"
	"audio-pipeline/ddd/domain/repo"
	"audio-pipeline/ddd/domain/service"
	"audio-pipeline/ddd/domain/vo"
	"audio-pipeline/ddd/infrastructure/storage"
	"audio-pipeline/pkg/config"
	"audio-pipeline/pkg/errno"
)

// memStore 内存仓储，事务通过快照回滚
type memStore struct {
	mu     *sync.Mutex
	tracks map[string]entity.Track
	stems  map[string]entity.Stem
	quotas map[string]entity.UserQuota
	free   float64
	failTx error
}

func newMemStore(freeSeconds float64) *memStore {
	return &memStore{
		mu:     &sync.Mutex{},
		tracks: map[string]entity.Track{},
		stems:  map[string]entity.Stem{},
		quotas: map[string]entity.UserQuota{},
		free:   freeSeconds,
	}
}

func (s *memStore) Tracks() repo.TrackRepository        { return memTracks{s} }
func (s *memStore) Stems() repo.StemRepository          { return memStems{s} }
func (s *memStore) Quotas() repo.QuotaRepository        { return memQuotas{s} }
func (s *memStore) References() repo.ArtifactReferences { return memRefs{s} }

func (s *memStore) Transaction(ctx context.Context, fn func(tx repo.Store) error) error {
	if s.failTx != nil {
		return s.failTx
	}
	s.mu.Lock()
	tracks := make(map[string]entity.Track, len(s.tracks))
	for k, v := range s.tracks {
		tracks[k] = v
	}
	stems := make(map[string]entity.Stem, len(s.stems))
	for k, v := range s.stems {
		stems[k] = v
	}
	quotas := make(map[string]entity.UserQuota, len(s.quotas))
	for k, v := range s.quotas {
		quotas[k] = v
	}
	s.mu.Unlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.tracks, s.stems, s.quotas = tracks, stems, quotas
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *memStore) putTrack(t *entity.Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks[t.ID] = *t
}

func (s *memStore) putStem(st *entity.Stem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stems[st.ID] = *st
}

func (s *memStore) track(t *testing.T, id string) *entity.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.tracks[id]
	require.True(t, ok, "track %s missing", id)
	return &tr
}

func (s *memStore) hasTrack(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tracks[id]
	return ok
}

func (s *memStore) stemsOf(trackID string) []*entity.Stem {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entity.Stem
	for _, st := range s.stems {
		if st.TrackID == trackID {
			c := st
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func (s *memStore) quota(userID string) entity.UserQuota {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quotas[userID]
}

type memTracks struct{ s *memStore }

func (r memTracks) GetTrack(_ context.Context, id string) (*entity.Track, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tracks[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (r memTracks) ListTracksByIDs(_ context.Context, ids []string) ([]*entity.Track, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*entity.Track
	for _, id := range ids {
		if t, ok := r.s.tracks[id]; ok {
			c := t
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r memTracks) SaveTrack(_ context.Context, t *entity.Track) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.tracks[t.ID] = *t
	return nil
}

func (r memTracks) update(id string, fn func(*entity.Track) error) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tracks[id]
	if !ok {
		return errors.New("track not found")
	}
	if err := fn(&t); err != nil {
		return err
	}
	r.s.tracks[id] = t
	return nil
}

func (r memTracks) UpdateProcessingStatus(_ context.Context, id string, status vo.ConversionStatus) error {
	return r.update(id, func(t *entity.Track) error { t.ProcessingStatus = status; return nil })
}

func (r memTracks) UpdateRenditionStatus(_ context.Context, id string, format vo.AudioFormat, status vo.ConversionStatus) error {
	return r.update(id, func(t *entity.Track) error {
		rd := t.Audio.Rendition(format)
		if rd == nil {
			return errors.New("bad format")
		}
		rd.Status = status
		return nil
	})
}

func (r memTracks) TouchRendition(_ context.Context, id string, format vo.AudioFormat, at time.Time) error {
	return r.update(id, func(t *entity.Track) error { t.Audio.Touch(format, at); return nil })
}

func (r memTracks) MarkPendingDeletion(_ context.Context, ids []string) error {
	for _, id := range ids {
		_ = r.update(id, func(t *entity.Track) error { t.Status = vo.TrackStatusPendingDeletion; return nil })
	}
	return nil
}

func (r memTracks) ListStaleRenditions(_ context.Context, format vo.AudioFormat, before time.Time, limit int) ([]*entity.Track, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*entity.Track
	for _, t := range r.s.tracks {
		c := t
		if staleForQuery(c.Audio.Rendition(format), before) {
			out = append(out, &c)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memTracks) ClearStaleRendition(_ context.Context, id string, format vo.AudioFormat, url string, before time.Time) (bool, error) {
	cleared := false
	err := r.update(id, func(t *entity.Track) error {
		cleared = clearIfStale(&t.Audio, format, url, before)
		return nil
	})
	return cleared, err
}

func (r memTracks) DeleteTracks(_ context.Context, ids []string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, id := range ids {
		delete(r.s.tracks, id)
	}
	return nil
}

type memStems struct{ s *memStore }

func (r memStems) GetStem(_ context.Context, id string) (*entity.Stem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st, ok := r.s.stems[id]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (r memStems) ListStemsByTrack(_ context.Context, trackID string) ([]*entity.Stem, error) {
	return r.s.stemsOf(trackID), nil
}

func (r memStems) CreateStems(_ context.Context, stems []*entity.Stem) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, st := range stems {
		r.s.stems[st.ID] = *st
	}
	return nil
}

func (r memStems) SaveStem(_ context.Context, st *entity.Stem) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.stems[st.ID] = *st
	return nil
}

func (r memStems) update(id string, fn func(*entity.Stem)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st, ok := r.s.stems[id]
	if !ok {
		return errors.New("stem not found")
	}
	fn(&st)
	r.s.stems[id] = st
	return nil
}

func (r memStems) UpdateProcessingStatus(_ context.Context, id string, status vo.ConversionStatus) error {
	return r.update(id, func(st *entity.Stem) { st.ProcessingStatus = status })
}

func (r memStems) UpdateRenditionStatus(_ context.Context, id string, format vo.AudioFormat, status vo.ConversionStatus) error {
	return r.update(id, func(st *entity.Stem) { st.Audio.Rendition(format).Status = status })
}

func (r memStems) TouchRendition(_ context.Context, id string, format vo.AudioFormat, at time.Time) error {
	return r.update(id, func(st *entity.Stem) { st.Audio.Touch(format, at) })
}

func (r memStems) ListStaleRenditions(_ context.Context, format vo.AudioFormat, before time.Time, limit int) ([]*entity.Stem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*entity.Stem
	for _, st := range r.s.stems {
		c := st
		if staleForQuery(c.Audio.Rendition(format), before) {
			out = append(out, &c)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memStems) ClearStaleRendition(_ context.Context, id string, format vo.AudioFormat, url string, before time.Time) (bool, error) {
	cleared := false
	err := r.update(id, func(st *entity.Stem) { cleared = clearIfStale(&st.Audio, format, url, before) })
	return cleared, err
}

func (r memStems) DeleteStemsByTracks(_ context.Context, trackIDs []string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	drop := map[string]bool{}
	for _, id := range trackIDs {
		drop[id] = true
	}
	for id, st := range r.s.stems {
		if drop[st.TrackID] {
			delete(r.s.stems, id)
		}
	}
	return nil
}

type memQuotas struct{ s *memStore }

func (r memQuotas) GetOrCreate(_ context.Context, userID string) (*entity.UserQuota, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	q, ok := r.s.quotas[userID]
	if !ok {
		q = entity.UserQuota{UserID: userID, FreeSeconds: r.s.free}
		r.s.quotas[userID] = q
	}
	return &q, nil
}

func (r memQuotas) Save(_ context.Context, q *entity.UserQuota) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.quotas[q.UserID] = *q
	return nil
}

type memRefs struct{ s *memStore }

func (r memRefs) CountReferences(_ context.Context, url string, exclude []string) (int64, error) {
	if url == "" {
		return 0, nil
	}
	skip := map[string]bool{}
	for _, id := range exclude {
		skip[id] = true
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, t := range r.s.tracks {
		if skip[t.ID] {
			continue
		}
		if containsURL(url, t.OriginalURL, t.Audio.MP3.URL, t.Audio.WAV.URL, t.Audio.FLAC.URL) {
			n++
		}
	}
	for _, st := range r.s.stems {
		if skip[st.TrackID] {
			continue
		}
		if containsURL(url, st.SourceURL, st.Audio.MP3.URL, st.Audio.WAV.URL, st.Audio.FLAC.URL) {
			n++
		}
	}
	return n, nil
}

func containsURL(url string, columns ...string) bool {
	for _, c := range columns {
		if c == url {
			return true
		}
	}
	return false
}

func clearIfStale(a *entity.AudioSet, format vo.AudioFormat, url string, before time.Time) bool {
	rd := a.Rendition(format)
	if rd == nil || rd.URL != url || rd.Status == vo.ConversionInProgress || !staleForQuery(rd, before) {
		return false
	}
	a.ClearRendition(format)
	return true
}

func staleForQuery(r *entity.Rendition, before time.Time) bool {
	if r == nil || r.URL == "" {
		return false
	}
	if r.LastRequestedAt != nil {
		return r.LastRequestedAt.Before(before)
	}
	return r.CreatedAt == nil || r.CreatedAt.Before(before)
}

var (
	mp3Magic  = []byte("MP3!")
	flacMagic = []byte("fLaC")
)

// fakeConverter 可逆的假编码：MP3/FLAC 在 WAV 前加标记，模块渲染返回预设结果
type fakeConverter struct {
	mu      sync.Mutex
	render  *port.ModuleRender
	renders int
	flacs   int
}

func (c *fakeConverter) ModuleToWav(_ context.Context, _ []byte, format vo.AudioFormat) (*port.ModuleRender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !format.IsModule() {
		return nil, errno.NewConversionError("render", "not a module")
	}
	if c.render == nil {
		return nil, errno.NewConversionError("render", "no channels")
	}
	c.renders++
	return c.render, nil
}

func (c *fakeConverter) WavToMp3(_ context.Context, wav []byte, _ int) ([]byte, error) {
	return append(append([]byte{}, mp3Magic...), wav...), nil
}

func (c *fakeConverter) WavToFlac(_ context.Context, wav []byte) ([]byte, error) {
	c.mu.Lock()
	c.flacs++
	c.mu.Unlock()
	return append(append([]byte{}, flacMagic...), wav...), nil
}

func (c *fakeConverter) FlacToWav(_ context.Context, flac []byte) ([]byte, error) {
	if !bytes.HasPrefix(flac, flacMagic) {
		return nil, errno.NewConversionError("flac-to-wav", "not flac")
	}
	return flac[len(flacMagic):], nil
}

func (c *fakeConverter) ToWav(ctx context.Context, data []byte, format vo.AudioFormat) ([]byte, error) {
	switch format {
	case vo.FormatWAV:
		return data, nil
	case vo.FormatFLAC:
		return c.FlacToWav(ctx, data)
	case vo.FormatMP3:
		if !bytes.HasPrefix(data, mp3Magic) {
			return nil, errno.NewConversionError("to-wav", "not mp3")
		}
		return data[len(mp3Magic):], nil
	default:
		return nil, errno.NewConversionError("to-wav", "unsupported %s", format)
	}
}

func (c *fakeConverter) NormalizeWav(_ context.Context, wav []byte, _, _ int) ([]byte, error) {
	return wav, nil
}

func (c *fakeConverter) renderCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.renders
}

func (c *fakeConverter) flacCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flacs
}

// fakeQueue 记录入队的任务
type fakeQueue struct {
	mu   sync.Mutex
	jobs []enqueued
	err  error
}

type enqueued struct {
	queue   vo.QueueName
	payload interface{}
	opts    *vo.JobOptions
}

func (q *fakeQueue) Enqueue(_ context.Context, queue vo.QueueName, payload interface{}, opts *vo.JobOptions) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.jobs = append(q.jobs, enqueued{queue: queue, payload: payload, opts: opts})
	return string(queue) + "-job", nil
}

func (q *fakeQueue) Stats(context.Context) ([]vo.QueueStats, error) {
	return []vo.QueueStats{{Queue: vo.QueueTrackConversion, Waiting: int64(len(q.jobs))}}, nil
}

func (q *fakeQueue) enqueuedOn(name vo.QueueName) []enqueued {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []enqueued
	for _, j := range q.jobs {
		if j.queue == name {
			out = append(out, j)
		}
	}
	return out
}

type recordingNotifier struct {
	mu       sync.Mutex
	warnings []*vo.QuotaWarning
}

func (n *recordingNotifier) NotifyQuotaWarning(_ context.Context, w *vo.QuotaWarning) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.warnings = append(n.warnings, w)
	return nil
}

// pipelineFixture 真实的存储网关、波形、混音与配额，假的转码器与队列
type pipelineFixture struct {
	ctx       context.Context
	store     *memStore
	objects   *storage.MemoryObjectStore
	gateway   *storage.Gateway
	converter *fakeConverter
	queue     *fakeQueue
	notifier  *recordingNotifier
	workers   *PipelineWorkers
	staging   string
}

const (
	testSampleRate = 8000
	cdnBase        = "http://cdn.local"
)

func newPipelineFixture(t *testing.T, freeSeconds float64) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		ctx:       context.Background(),
		store:     newMemStore(freeSeconds),
		objects:   storage.NewMemoryObjectStore("audio"),
		converter: &fakeConverter{},
		queue:     &fakeQueue{},
		notifier:  &recordingNotifier{},
		staging:   t.TempDir(),
	}
	f.gateway = storage.NewGateway(f.objects, config.StorageConfig{
		StagingDir:      f.staging,
		DeleteAttempts:  1,
		DeleteBaseDelay: time.Millisecond,
		DeleteMaxDelay:  time.Millisecond,
	}, cdnBase)
	f.workers = NewPipelineWorkers(PipelineDeps{
		Store:     f.store,
		Storage:   f.gateway,
		Converter: f.converter,
		Waveform:  service.NewWaveformExtractor(400),
		Mixer:     service.NewTrackMixer(),
		Quota:     service.NewQuotaAccountant(),
		Notifier:  f.notifier,
		Queue:     f.queue,
		Audio:     config.AudioConfig{Mp3BitrateKbps: 192},
		Cleanup:   config.CleanupConfig{Retention: 24 * time.Hour, BatchSize: 50},
	})
	return f
}

// objectKey 访问地址对应的对象键
func (f *pipelineFixture) objectKey(url string) string {
	return url[len(cdnBase+"/audio/"):]
}

func (f *pipelineFixture) exists(url string) bool {
	return f.objects.Has(f.objectKey(url))
}

// putObject 直接写入永久存储并返回地址
func (f *pipelineFixture) putObject(t *testing.T, data []byte, prefix string, format vo.AudioFormat) string {
	t.Helper()
	obj, err := f.gateway.UploadBytes(f.ctx, data, prefix, format)
	require.NoError(t, err)
	return obj.URL
}

// monoWav seconds 秒的 16-bit 单声道测试音频
func monoWav(t *testing.T, seconds float64) []byte {
	t.Helper()
	n := int(seconds * testSampleRate)
	data := make([]int, n)
	for i := range data {
		data[i] = (i%200 - 100) * 100
	}
	wav, err := service.EncodeWav16(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: testSampleRate},
		Data:           data,
		SourceBitDepth: 16,
	})
	require.NoError(t, err)
	return wav
}

func wavDuration(t *testing.T, wav []byte) float64 {
	t.Helper()
	buf, err := service.DecodeWav(wav)
	require.NoError(t, err)
	return float64(len(buf.Data)) / float64(buf.Format.NumChannels) / float64(buf.Format.SampleRate)
}
