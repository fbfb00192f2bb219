// Package sheet models a grid of cells. Every cell has a stable id and may
// hold a task spec; running a cell uses the cell's own registry slot, so a
// cell never has more than one live run.
package sheet

import (
	"errors"
	"fmt"
	"sync"

	"github.com/deixis/cellrun/internal/runner"
	"github.com/deixis/cellrun/internal/task"
)

var (
	ErrInvalidCellID = errors.New("invalid cell id")
	ErrNoSuchCell    = errors.New("no such cell")
	ErrEmptyCell     = errors.New("cell has no task")
)

// Cell is a snapshot of one cell.
type Cell struct {
	ID      CellID        `json:"id"`
	Row     int           `json:"row"`
	Column  int           `json:"column"`
	Spec    *task.Spec    `json:"spec,omitempty"`
	LastRun *runner.RunID `json:"last_run,omitempty"`
}

// Layout is a snapshot of the grid in row-major order.
type Layout struct {
	Rows    int      `json:"rows"`
	Columns int      `json:"columns"`
	Cells   []CellID `json:"cells"`
}

type cell struct {
	spec    *task.Spec
	lastRun *runner.RunID
}

// Sheet is a row-major grid of cells. It is safe for concurrent use.
type Sheet struct {
	mu      sync.Mutex
	seed    uint32
	columns int // always >= 1
	layout  []CellID
	cells   map[CellID]*cell
}

// New returns an empty sheet with one column and no rows.
func New() *Sheet {
	return &Sheet{columns: 1, cells: make(map[CellID]*cell)}
}

// Layout returns the current grid.
func (s *Sheet) Layout() Layout {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Layout{
		Rows:    s.rows(),
		Columns: s.columns,
		Cells:   append([]CellID(nil), s.layout...),
	}
}

// CellAt returns the id at row, col.
func (s *Sheet) CellAt(row, col int) (CellID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row < 0 || col < 0 || col >= s.columns {
		return 0, false
	}
	i := row*s.columns + col
	if i >= len(s.layout) {
		return 0, false
	}
	return s.layout[i], true
}

// Resize changes the grid to rows x columns (columns below 1 become 1).
// Cells in retained positions keep their ids and contents; new positions
// get fresh cells. The ids of dropped cells are returned.
func (s *Sheet) Resize(rows, columns int) []CellID {
	if rows < 0 {
		rows = 0
	}
	if columns < 1 {
		columns = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	oldRows, oldCols := s.rows(), s.columns
	layout := make([]CellID, 0, rows*columns)
	for r := range rows {
		for c := range columns {
			if r < oldRows && c < oldCols {
				layout = append(layout, s.layout[r*oldCols+c])
				continue
			}
			layout = append(layout, s.newCell())
		}
	}

	var removed []CellID
	for r := range oldRows {
		for c := range oldCols {
			if r >= rows || c >= columns {
				id := s.layout[r*oldCols+c]
				delete(s.cells, id)
				removed = append(removed, id)
			}
		}
	}

	s.columns = columns
	s.layout = layout
	return removed
}

// Cell returns a snapshot of the cell with the given id.
func (s *Sheet) Cell(id CellID) (Cell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cells[id]
	if !ok {
		return Cell{}, fmt.Errorf("%w: %s", ErrNoSuchCell, id)
	}
	out := Cell{ID: id, Spec: c.spec, LastRun: c.lastRun}
	for i, v := range s.layout {
		if v == id {
			out.Row, out.Column = i/s.columns, i%s.columns
			break
		}
	}
	return out, nil
}

// SetSpec stores the task a cell runs. A nil spec clears the cell.
func (s *Sheet) SetSpec(id CellID, spec *task.Spec) error {
	if spec != nil {
		if err := spec.Validate(); err != nil {
			return err
		}
		cp := *spec
		spec = &cp
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cells[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchCell, id)
	}
	c.spec = spec
	return nil
}

// Spec returns the cell's task.
func (s *Sheet) Spec(id CellID) (task.Spec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cells[id]
	if !ok {
		return task.Spec{}, fmt.Errorf("%w: %s", ErrNoSuchCell, id)
	}
	if c.spec == nil {
		return task.Spec{}, fmt.Errorf("%w: %s", ErrEmptyCell, id)
	}
	return *c.spec, nil
}

// SetLastRun records the most recent run started for the cell. It is a
// no-op for cells removed in the meantime.
func (s *Sheet) SetLastRun(id CellID, run runner.RunID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.cells[id]; ok {
		c.lastRun = &run
	}
}

func (s *Sheet) rows() int {
	return len(s.layout) / s.columns
}

func (s *Sheet) newCell() CellID {
	id := IDFromSeed(s.seed)
	s.seed++
	s.cells[id] = &cell{}
	return id
}
