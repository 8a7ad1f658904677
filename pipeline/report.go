package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the terminal status of a run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// ReportError carries an error message and its category in a form that
// survives JSON marshalling, as native errors cannot.
type ReportError struct {
	Message  string `json:"message"`
	Category string `json:"category"`
}

// Error implements the error interface.
func (e ReportError) Error() string { return e.Message }

func newReportError(err error) *ReportError {
	if err == nil {
		return nil
	}

	return &ReportError{Message: err.Error(), Category: Category(err)}
}

// StageReport is the result of a single stage execution.
type StageReport struct {
	ID       string       `json:"id"`
	Def      Definition   `json:"definition"`
	Attempts uint         `json:"attempts"`
	Start    time.Time    `json:"start"`
	End      time.Time    `json:"end"`
	Err      *ReportError `json:"error"`
}

func newStageReport(def Definition, attempts uint, start, end time.Time, err error) StageReport {
	return StageReport{
		ID:       uuid.New().String(),
		Def:      def,
		Attempts: attempts,
		Start:    start,
		End:      end,
		Err:      newReportError(err),
	}
}

// RollbackReport records the outcome of one compensating action.
type RollbackReport struct {
	Stage string       `json:"stage"`
	Err   *ReportError `json:"error"`
}

// Advisory is a non-fatal sub-step failure a stage chose to record instead of
// halting the run.
type Advisory struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// RunReport is the final report of a pipeline run: the terminal status, the
// per-stage reports, and on failure the failing stage, the original error and
// the rollback outcomes. Rollback errors never replace the original error.
type RunReport struct {
	RunID             string           `json:"runId"`
	Status            Status           `json:"status"`
	FailedStage       string           `json:"failedStage,omitempty"`
	Err               *ReportError     `json:"error"`
	Stages            []StageReport    `json:"stages"`
	RollbackAttempted bool             `json:"rollbackAttempted"`
	Rollbacks         []RollbackReport `json:"rollbacks,omitempty"`
	Advisories        []Advisory       `json:"advisories,omitempty"`
	Start             time.Time        `json:"start"`
	End               time.Time        `json:"end"`
}

// Reporter collects stage reports during a run. Implementations may keep them
// in memory or stream them elsewhere.
type Reporter interface {
	AddStageReport(report StageReport) error
	StageReports() ([]StageReport, error)
}

// MemoryReporter stores stage reports in memory. It is safe for concurrent
// use even though the pipeline itself is strictly sequential.
type MemoryReporter struct {
	mu      sync.RWMutex
	reports []StageReport
}

// NewMemoryReporter creates an empty MemoryReporter.
func NewMemoryReporter() *MemoryReporter {
	return &MemoryReporter{}
}

// AddStageReport appends a stage report.
func (r *MemoryReporter) AddStageReport(report StageReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reports = append(r.reports, report)

	return nil
}

// StageReports returns a copy of the collected reports.
func (r *MemoryReporter) StageReports() ([]StageReport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reports := make([]StageReport, len(r.reports))
	copy(reports, r.reports)

	return reports, nil
}
