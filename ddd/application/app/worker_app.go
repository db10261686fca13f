package app

import (
	"context"
	"sort"
	"time"

	"audio-pipeline/ddd/application/dto"
	"audio-pipeline/pkg/assert"
	"audio-pipeline/pkg/errno"
	"audio-pipeline/pkg/registry"
)

const defaultWorkerPageSize = 20

// WorkerApp Worker应用服务接口
type WorkerApp interface {
	// GetWorker 获取Worker详情
	GetWorker(ctx context.Context, workerID string) (*dto.WorkerDTO, error)

	// ListWorkers 获取Worker列表
	ListWorkers(ctx context.Context, req *dto.ListWorkersRequest) (*dto.ListWorkersResponse, error)
}

type workerAppImpl struct {
	directory registry.Directory
	now       func() time.Time
}

// NewWorkerApp 创建Worker应用服务
func NewWorkerApp(directory registry.Directory) WorkerApp {
	assert.NotNil(directory)
	return &workerAppImpl{directory: directory, now: time.Now}
}

func (w *workerAppImpl) load(ctx context.Context) ([]*dto.WorkerDTO, error) {
	infos, err := w.directory.Instances(ctx)
	if err != nil {
		return nil, errno.NewBizError(errno.ErrRegistryUnavailable, err)
	}
	now := w.now()
	out := make([]*dto.WorkerDTO, 0, len(infos))
	for _, info := range infos {
		d := &dto.WorkerDTO{
			WorkerID:     info.WorkerID,
			Address:      info.Address,
			QueueBackend: info.QueueBackend,
			Queues:       info.Queues,
			StartedAt:    info.StartedAt,
		}
		d.CalculateUptime(now)
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

// GetWorker 获取Worker详情
func (w *workerAppImpl) GetWorker(ctx context.Context, workerID string) (*dto.WorkerDTO, error) {
	if workerID == "" {
		return nil, errno.ErrInvalidParam
	}
	workers, err := w.load(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range workers {
		if d.WorkerID == workerID {
			return d, nil
		}
	}
	return nil, errno.ErrWorkerNotFound
}

// ListWorkers 获取Worker列表
func (w *workerAppImpl) ListWorkers(ctx context.Context, req *dto.ListWorkersRequest) (*dto.ListWorkersResponse, error) {
	workers, err := w.load(ctx)
	if err != nil {
		return nil, err
	}
	if req.Queue != "" {
		filtered := workers[:0]
		for _, d := range workers {
			if d.Consumes(req.Queue) {
				filtered = append(filtered, d)
			}
		}
		workers = filtered
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultWorkerPageSize
	}
	offset := req.Offset
	if offset < 0 {
		offset = 0
	}
	total := len(workers)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return &dto.ListWorkersResponse{
		Workers: workers[offset:end],
		Total:   int64(total),
		Limit:   limit,
		Offset:  offset,
	}, nil
}
