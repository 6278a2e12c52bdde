package history

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/john/k1bridge/k1ws"
	"github.com/john/k1bridge/printer"
)

// JobStatus represents the state of a print job.
type JobStatus string

const (
	StatusInProgress JobStatus = "in_progress"
	StatusCompleted  JobStatus = "completed"
	StatusCancelled  JobStatus = "cancelled"
	StatusError      JobStatus = "error"
)

// ErrNotFound is returned by Get for unknown job ids.
var ErrNotFound = errors.New("job not found")

var (
	jobsBucket  = []byte("jobs")
	indexBucket = []byte("index")
)

// Job represents a print job in history.
type Job struct {
	JobID         string    `json:"job_id"`
	Printer       string    `json:"printer"`
	Model         string    `json:"model,omitempty"`
	Status        JobStatus `json:"status"`
	StartTime     float64   `json:"start_time"`     // Unix timestamp
	EndTime       float64   `json:"end_time"`       // Unix timestamp
	PrintDuration float64   `json:"print_duration"` // seconds, as reported by the printer
	TotalDuration float64   `json:"total_duration"` // seconds (includes pauses)
	FilamentUsed  float64   `json:"filament_used"`  // mm
	Layers        int       `json:"layers"`
	TotalLayers   int       `json:"total_layers"`
	Progress      int       `json:"progress"`

	key []byte
}

// Totals represents cumulative statistics of one printer.
type Totals struct {
	TotalJobs      int     `json:"total_jobs"`
	TotalTime      float64 `json:"total_time"`
	TotalPrintTime float64 `json:"total_print_time"`
	TotalFilament  float64 `json:"total_filament_used"`
	LongestJob     float64 `json:"longest_job"`
	LongestPrint   float64 `json:"longest_print"`
	CompletedJobs  int     `json:"completed_jobs"`
	CancelledJobs  int     `json:"cancelled_jobs"`
	FailedJobs     int     `json:"failed_jobs"`
}

// HistoryChangedAction is the action type for history change events.
type HistoryChangedAction string

const (
	ActionAdded    HistoryChangedAction = "added"
	ActionFinished HistoryChangedAction = "finished"
)

// HistoryChangedCallback is called when the history changes.
type HistoryChangedCallback func(action HistoryChangedAction, job Job)

// Manager records print jobs from printer state transitions. Jobs are
// stored in one bbolt bucket per printer, keyed by start time so cursors
// walk them in chronological order. The index bucket maps job ids to their
// printer and key.
type Manager struct {
	db       *bolt.DB
	log      *slog.Logger
	callback HistoryChangedCallback
	now      func() time.Time

	mu      sync.Mutex
	current map[string]*Job // in-progress job per printer
}

// NewManager opens (or creates) the history database at path. Jobs left in
// progress by a previous run are resumed.
func NewManager(path string, log *slog.Logger, callback HistoryChangedCallback) (*Manager, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening history database %s: %w", path, err)
	}
	if log == nil {
		log = slog.Default()
	}

	m := &Manager{
		db:       db,
		log:      log,
		callback: callback,
		now:      time.Now,
		current:  make(map[string]*Job),
	}
	if err := m.load(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

// load finds in-progress jobs.
func (m *Manager) load() error {
	return m.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(indexBucket); err != nil {
			return err
		}
		jobs, err := tx.CreateBucketIfNotExists(jobsBucket)
		if err != nil {
			return err
		}
		return jobs.ForEachBucket(func(name []byte) error {
			return jobs.Bucket(name).ForEach(func(k, v []byte) error {
				job, err := decodeJob(k, v)
				if err != nil {
					return err
				}
				if job.Status == StatusInProgress {
					m.current[job.Printer] = job
				}
				return nil
			})
		})
	})
}

// Close closes the database.
func (m *Manager) Close() error {
	return m.db.Close()
}

// Track observes every state update of c until the returned function is
// called.
func (m *Manager) Track(c *printer.Client) (cancel func()) {
	name := c.Name()
	return c.OnUpdate(func(st printer.PrinterState) {
		if err := m.Observe(name, st); err != nil {
			m.log.Error("Failed to record print history", "printer", name, "err", err)
		}
	})
}

// Observe folds one state snapshot into the job history. A job opens when
// the printer starts printing and closes when it reports a terminal state.
// Snapshots with an unknown print state are ignored.
func (m *Manager) Observe(name string, st printer.PrinterState) error {
	state, ok := st.State.Get()
	if !ok {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job := m.current[name]
	switch {
	case state == k1ws.PrintPrinting && job == nil:
		return m.startJob(name, st)
	case state.Active() && job != nil:
		updateJob(job, st)
		return nil
	case state.Finished() && job != nil:
		return m.finishJob(job, st, finalStatus(state))
	}
	return nil
}

func (m *Manager) startJob(name string, st printer.PrinterState) error {
	now := m.now()
	job := &Job{
		JobID:     uuid.NewString(),
		Printer:   name,
		Model:     st.Model.Or(""),
		Status:    StatusInProgress,
		StartTime: unixSeconds(now),
		key:       jobKey(now),
	}
	updateJob(job, st)

	if err := m.put(job); err != nil {
		return err
	}
	m.current[name] = job
	m.log.Info("Print job started", "printer", name, "job_id", job.JobID)

	if m.callback != nil {
		m.callback(ActionAdded, *job)
	}
	return nil
}

func (m *Manager) finishJob(job *Job, st printer.PrinterState, status JobStatus) error {
	updateJob(job, st)
	job.Status = status
	job.EndTime = unixSeconds(m.now())
	job.TotalDuration = job.EndTime - job.StartTime

	if err := m.put(job); err != nil {
		return err
	}
	delete(m.current, job.Printer)
	m.log.Info("Print job finished", "printer", job.Printer, "job_id", job.JobID, "status", status)

	if m.callback != nil {
		m.callback(ActionFinished, *job)
	}
	return nil
}

func updateJob(job *Job, st printer.PrinterState) {
	if v, ok := st.ElapsedSec.Get(); ok {
		job.PrintDuration = float64(v)
	}
	if v, ok := st.UsedMaterial.Get(); ok {
		job.FilamentUsed = v
	}
	if v, ok := st.Layer.Get(); ok {
		job.Layers = v
	}
	if v, ok := st.TotalLayers.Get(); ok {
		job.TotalLayers = v
	}
	if v, ok := st.Progress.Get(); ok {
		job.Progress = v
	}
	if job.Model == "" {
		job.Model = st.Model.Or("")
	}
}

func finalStatus(s k1ws.PrintState) JobStatus {
	switch s {
	case k1ws.PrintComplete:
		return StatusCompleted
	case k1ws.PrintFailed:
		return StatusError
	default:
		return StatusCancelled
	}
}

func (m *Manager) put(job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(jobsBucket).CreateBucketIfNotExists([]byte(job.Printer))
		if err != nil {
			return err
		}
		if err := b.Put(job.key, data); err != nil {
			return err
		}
		ref := append([]byte(job.Printer+"\x00"), job.key...)
		return tx.Bucket(indexBucket).Put([]byte(job.JobID), ref)
	})
}

// CurrentJob returns the job in progress on a printer, if any.
func (m *Manager) CurrentJob(name string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.current[name]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// List returns up to limit jobs of a printer, newest first. A limit <= 0
// returns every job.
func (m *Manager) List(name string, limit int) ([]Job, error) {
	jobs := make([]Job, 0)
	err := m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(jobsBucket).Bucket([]byte(name))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			job, err := decodeJob(k, v)
			if err != nil {
				return err
			}
			jobs = append(jobs, *job)
			if limit > 0 && len(jobs) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing history of %s: %w", name, err)
	}
	return jobs, nil
}

// Get retrieves a specific job by ID.
func (m *Manager) Get(id string) (Job, error) {
	var job *Job
	err := m.db.View(func(tx *bolt.Tx) error {
		ref := tx.Bucket(indexBucket).Get([]byte(id))
		if ref == nil {
			return ErrNotFound
		}
		sep := len(ref) - 8 - 1
		if sep < 0 || ref[sep] != 0 {
			return fmt.Errorf("corrupt index entry for job %s", id)
		}
		b := tx.Bucket(jobsBucket).Bucket(ref[:sep])
		if b == nil {
			return ErrNotFound
		}
		key := ref[sep+1:]
		v := b.Get(key)
		if v == nil {
			return ErrNotFound
		}
		var err error
		job, err = decodeJob(key, v)
		return err
	})
	if err != nil {
		return Job{}, err
	}
	return *job, nil
}

// Totals calculates cumulative statistics of a printer's finished jobs.
func (m *Manager) Totals(name string) (Totals, error) {
	jobs, err := m.List(name, 0)
	if err != nil {
		return Totals{}, err
	}

	totals := Totals{}
	for _, job := range jobs {
		if job.Status == StatusInProgress {
			continue
		}

		totals.TotalJobs++
		totals.TotalTime += job.TotalDuration
		totals.TotalPrintTime += job.PrintDuration
		totals.TotalFilament += job.FilamentUsed

		if job.TotalDuration > totals.LongestJob {
			totals.LongestJob = job.TotalDuration
		}
		if job.PrintDuration > totals.LongestPrint {
			totals.LongestPrint = job.PrintDuration
		}

		switch job.Status {
		case StatusCompleted:
			totals.CompletedJobs++
		case StatusCancelled:
			totals.CancelledJobs++
		case StatusError:
			totals.FailedJobs++
		}
	}
	return totals, nil
}

// jobKey orders jobs by start time.
func jobKey(t time.Time) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(t.UnixNano()))
	return key
}

func decodeJob(k, v []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(v, &job); err != nil {
		return nil, fmt.Errorf("decoding job: %w", err)
	}
	job.key = append([]byte(nil), k...)
	return &job, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
