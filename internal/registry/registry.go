package registry

import (
	"errors"
	"sync"
	"time"

	"plan2scene-backend/internal/entity"
)

// ErrExists is returned by Create when the id is already taken. Ids are
// caller-minted, so a collision must never overwrite an in-progress job.
var ErrExists = errors.New("job already exists")

// Update carries the fields one Update call applies. Nil fields are left
// untouched.
type Update struct {
	Status       *entity.JobStatus
	CurrentStage *string
	SceneURL     *string
	VideoURL     *string
}

// Registry is the in-memory job store. Jobs are never removed during the
// process lifetime, and a job that reached a terminal status ignores all
// further updates.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*entity.Job
}

func New() *Registry {
	return &Registry{jobs: make(map[string]*entity.Job)}
}

// Create registers a fresh job in processing state and returns its snapshot.
func (r *Registry) Create(id string) (entity.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[id]; ok {
		return entity.Job{}, ErrExists
	}

	job := &entity.Job{
		ID:        id,
		Status:    entity.StatusProcessing,
		CreatedAt: time.Now().UTC(),
	}
	r.jobs[id] = job
	return *job, nil
}

// Get returns a snapshot of the job; ok is false for unknown ids.
func (r *Registry) Get(id string) (entity.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return entity.Job{}, false
	}
	return *job, true
}

// Update applies the supplied fields and returns the resulting snapshot;
// ok is false for unknown ids. Updates against a terminal job are no-ops.
func (r *Registry) Update(id string, upd Update) (entity.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return entity.Job{}, false
	}
	if job.Status.Terminal() {
		return *job, true
	}

	if upd.Status != nil {
		job.Status = *upd.Status
	}
	if upd.CurrentStage != nil {
		job.CurrentStage = *upd.CurrentStage
	}
	if upd.SceneURL != nil {
		job.SceneURL = *upd.SceneURL
	}
	if upd.VideoURL != nil {
		job.VideoURL = *upd.VideoURL
	}
	return *job, true
}

// SetStage mirrors the active pipeline stage into the job record. It is
// observational progress reporting, never a gate.
func (r *Registry) SetStage(id, stage string) bool {
	_, ok := r.Update(id, Update{CurrentStage: &stage})
	return ok
}
