// Package store persists per-scene evaluation results in SQLite so runs
// over different checkpoints can be compared later.
package store

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Tutortoise/pointcloud-segmentation/metric"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

var ErrNotFound = errors.New("evaluation not found")

// Evaluation is the score of one scene within one prediction run.
type Evaluation struct {
	EvaluationID    string  `json:"evaluation_id"`
	RunID           string  `json:"run_id"`
	Split           string  `json:"split"`
	FilePrefix      string  `json:"file_prefix"`
	ModelPath       string  `json:"model_path"`
	NumSamples      int     `json:"num_samples"`
	NumPoints       int     `json:"num_points"`
	OverallAccuracy float64 `json:"overall_accuracy"`
	MeanIoU         float64 `json:"mean_iou"`
	Confusion       [][]int `json:"confusion"`
	CreatedAt       int64   `json:"created_at"`
}

// NewEvaluation scores cm into an Evaluation row.
func NewEvaluation(runID, split, prefix, modelPath string, numSamples, numPoints int, cm *metric.ConfusionMatrix) *Evaluation {
	return &Evaluation{
		RunID:           runID,
		Split:           split,
		FilePrefix:      prefix,
		ModelPath:       modelPath,
		NumSamples:      numSamples,
		NumPoints:       numPoints,
		OverallAccuracy: cm.OverallAccuracy(),
		MeanIoU:         cm.MeanIoU(),
		Confusion:       cm.Rows(),
	}
}

// EvaluationStore provides persistence for evaluation results.
type EvaluationStore struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*EvaluationStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases shared and serializes
	// writers from concurrent scene workers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &EvaluationStore{db: db}, nil
}

func (s *EvaluationStore) Close() error {
	return s.db.Close()
}

// Insert persists eval. Empty IDs and timestamps are filled in.
func (s *EvaluationStore) Insert(eval *Evaluation) error {
	if eval.EvaluationID == "" {
		eval.EvaluationID = uuid.New().String()
	}
	if eval.CreatedAt == 0 {
		eval.CreatedAt = time.Now().UnixNano()
	}

	confusion, err := json.Marshal(eval.Confusion)
	if err != nil {
		return fmt.Errorf("encode confusion matrix: %w", err)
	}

	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO evaluations (
				evaluation_id, run_id, split, file_prefix, model_path,
				num_samples, num_points, overall_accuracy, mean_iou,
				confusion_json, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			eval.EvaluationID, eval.RunID, eval.Split, eval.FilePrefix, eval.ModelPath,
			eval.NumSamples, eval.NumPoints, eval.OverallAccuracy, eval.MeanIoU,
			string(confusion), eval.CreatedAt,
		)
		return err
	})
}

const selectColumns = `
	SELECT evaluation_id, run_id, split, file_prefix, model_path,
	       num_samples, num_points, overall_accuracy, mean_iou,
	       confusion_json, created_at
	FROM evaluations`

// Get returns a single evaluation by ID.
func (s *EvaluationStore) Get(evaluationID string) (*Evaluation, error) {
	row := s.db.QueryRow(selectColumns+` WHERE evaluation_id = ?`, evaluationID)
	e, err := scanEvaluation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", evaluationID, ErrNotFound)
	}
	return e, err
}

// ListByRun returns the evaluations of a run in insertion order.
func (s *EvaluationStore) ListByRun(runID string) ([]*Evaluation, error) {
	rows, err := s.db.Query(selectColumns+` WHERE run_id = ? ORDER BY created_at ASC, file_prefix ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query evaluations: %w", err)
	}
	defer rows.Close()

	var evals []*Evaluation
	for rows.Next() {
		e, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		evals = append(evals, e)
	}
	return evals, rows.Err()
}

// RunConfusion merges the confusion matrices of every scene of a run.
func (s *EvaluationStore) RunConfusion(runID string) (*metric.ConfusionMatrix, error) {
	evals, err := s.ListByRun(runID)
	if err != nil {
		return nil, err
	}
	if len(evals) == 0 {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}

	var total *metric.ConfusionMatrix
	for _, e := range evals {
		cm, err := metric.FromRows(e.Confusion)
		if err != nil {
			return nil, fmt.Errorf("evaluation %s: %w", e.EvaluationID, err)
		}
		if total == nil {
			total = cm
			continue
		}
		if err := total.Merge(cm); err != nil {
			return nil, fmt.Errorf("evaluation %s: %w", e.EvaluationID, err)
		}
	}
	return total, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvaluation(row scanner) (*Evaluation, error) {
	var e Evaluation
	var confusion string
	err := row.Scan(
		&e.EvaluationID, &e.RunID, &e.Split, &e.FilePrefix, &e.ModelPath,
		&e.NumSamples, &e.NumPoints, &e.OverallAccuracy, &e.MeanIoU,
		&confusion, &e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan evaluation: %w", err)
	}
	if err := json.Unmarshal([]byte(confusion), &e.Confusion); err != nil {
		return nil, fmt.Errorf("decode confusion matrix of %s: %w", e.EvaluationID, err)
	}
	return &e, nil
}

// retryOnBusy retries fn while SQLite reports a locked database.
func retryOnBusy(fn func() error) error {
	const attempts = 5
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		time.Sleep(time.Duration(i+1) * 20 * time.Millisecond)
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
