package queue

import (
	"fmt"

	"github.com/ChenxingM/RenderQ/errors"
)

// Stats is a snapshot of queue cardinalities grouped by status. Statuses
// with no rows are absent from the maps.
type Stats struct {
	Jobs    map[string]int `json:"jobs"`
	Tasks   map[string]int `json:"tasks"`
	Workers map[string]int `json:"workers"`
}

// Stats counts jobs, tasks and workers by status.
func (s *Store) Stats() (*Stats, error) {
	jobs, err := s.countByStatus("jobs")
	if err != nil {
		return nil, err
	}
	tasks, err := s.countByStatus("tasks")
	if err != nil {
		return nil, err
	}
	workers, err := s.countByStatus("workers")
	if err != nil {
		return nil, err
	}

	return &Stats{Jobs: jobs, Tasks: tasks, Workers: workers}, nil
}

func (s *Store) countByStatus(table string) (map[string]int, error) {
	// table names come from the three callers above, never from input
	query := fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, table)

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to count %s by status", table)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrapf(err, "failed to scan %s counts", table)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s counts", table)
	}

	return counts, nil
}
