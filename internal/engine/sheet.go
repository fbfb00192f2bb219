package engine

import (
	"context"

	"github.com/deixis/cellrun/internal/runner"
	"github.com/deixis/cellrun/internal/sheet"
	"github.com/deixis/cellrun/internal/task"
)

// Sheet returns the engine's cell grid.
func (e *Engine) Sheet() *sheet.Sheet { return e.sheet }

// ResizeSheet resizes the grid and kills runs of cells that were dropped.
func (e *Engine) ResizeSheet(rows, columns int) sheet.Layout {
	removed := e.sheet.Resize(rows, columns)
	for _, id := range removed {
		if e.registry.RemoveSlot(id.Slot()) {
			e.log.Debug().Stringer("cell", id).Msg("dropped cell's run removed")
		}
	}
	return e.sheet.Layout()
}

// SetCell stores the task a cell runs.
func (e *Engine) SetCell(id sheet.CellID, spec task.Spec) error {
	return e.sheet.SetSpec(id, &spec)
}

// RunCell runs the cell's task in the cell's slot, replacing any run the
// cell already has.
func (e *Engine) RunCell(ctx context.Context, id sheet.CellID) (runner.RunID, error) {
	spec, err := e.sheet.Spec(id)
	if err != nil {
		return runner.RunID{}, err
	}
	runID, err := e.Submit(ctx, Request{Slot: id.Slot(), Spec: spec})
	if err != nil {
		return runner.RunID{}, err
	}
	e.sheet.SetLastRun(id, runID)
	return runID, nil
}
