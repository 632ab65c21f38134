// Copyright 2026 Mira
// SPDX-License-Identifier: Apache-2.0

package assistant

import (
	"context"
	"sync"
	"time"

	"mira/platform/shared/logger"
)

// IndexJob is one document to ingest into the knowledge index.
type IndexJob struct {
	TenantID   string
	DocumentID string
	File       string
	Category   string
	Content    string
}

// DocumentIndexer performs the actual ingestion of one document. Each call
// may block on an upstream embedding or summarization request.
type DocumentIndexer interface {
	Index(ctx context.Context, job IndexJob) error
}

// IndexPool runs document ingestion on a small bounded worker pool, keeping
// indexing off the chat request path. Workers stay small because each job
// may itself wait on an upstream model call.
type IndexPool struct {
	indexer  DocumentIndexer
	jobs     chan IndexJob
	log      *logger.Logger
	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
}

const (
	defaultIndexWorkers = 2
	maxIndexWorkers     = 5
	indexQueueSize      = 256
	indexJobTimeout     = 2 * time.Minute
)

// NewIndexPool starts workers goroutines processing index jobs. workers is
// clamped to [1, 5].
func NewIndexPool(indexer DocumentIndexer, workers int, log *logger.Logger) *IndexPool {
	if workers < 1 {
		workers = defaultIndexWorkers
	}
	if workers > maxIndexWorkers {
		workers = maxIndexWorkers
	}
	p := &IndexPool{
		indexer: indexer,
		jobs:    make(chan IndexJob, indexQueueSize),
		log:     log,
		stop:    make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit queues a job for ingestion. It returns false when the queue is
// full or the pool is shutting down; callers should surface that as a
// retry-later condition.
func (p *IndexPool) Submit(job IndexJob) bool {
	select {
	case <-p.stop:
		return false
	default:
	}
	select {
	case p.jobs <- job:
		promIndexJobs.WithLabelValues("queued").Inc()
		return true
	default:
		promIndexJobs.WithLabelValues("rejected").Inc()
		p.log.Warn(job.TenantID, "", "index queue full, rejecting document", map[string]interface{}{
			"document_id": job.DocumentID,
		})
		return false
	}
}

// Close stops accepting jobs, drains the queue, and waits for workers. The
// jobs channel is never closed: a Submit racing Close must fail cleanly
// instead of sending on a closed channel.
func (p *IndexPool) Close() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
	p.wg.Wait()
}

func (p *IndexPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.jobs:
			p.process(job)
		case <-p.stop:
			// Drain whatever was queued before shutdown, then exit.
			for {
				select {
				case job := <-p.jobs:
					p.process(job)
				default:
					return
				}
			}
		}
	}
}

func (p *IndexPool) process(job IndexJob) {
	ctx, cancel := context.WithTimeout(context.Background(), indexJobTimeout)
	defer cancel()

	start := time.Now()
	if err := p.indexer.Index(ctx, job); err != nil {
		promIndexJobs.WithLabelValues("failed").Inc()
		p.log.Error(job.TenantID, "", "document indexing failed", map[string]interface{}{
			"document_id": job.DocumentID,
			"error":       err.Error(),
		})
		return
	}
	promIndexJobs.WithLabelValues("completed").Inc()
	p.log.InfoWithDuration(job.TenantID, "", "document indexed", float64(time.Since(start).Milliseconds()), map[string]interface{}{
		"document_id": job.DocumentID,
	})
}
