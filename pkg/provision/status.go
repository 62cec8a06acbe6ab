package provision

import (
	"fmt"

	"github.com/andrej220/goldenimage/pkg/routine"
)

// StatusTable maps nonzero exit statuses to error categories. Statuses not
// in the table are Unknown.
type StatusTable map[int]routine.Category

// DefaultStatusTable: 1619 is the Windows installer's "package could not be
// opened", 127 the shell's "command not found", 1 a generic usage error.
func DefaultStatusTable() StatusTable {
	return StatusTable{
		1619: routine.CategoryNotFound,
		127:  routine.CategoryNotFound,
		1:    routine.CategoryInvalidInput,
	}
}

// ParseStatusTable builds a table from configuration, on top of the
// defaults.
func ParseStatusTable(raw map[int]string) (StatusTable, error) {
	t := DefaultStatusTable()
	for status, name := range raw {
		if status == 0 {
			return nil, fmt.Errorf("status 0 means success and cannot be mapped")
		}
		c := routine.Category(name)
		if !c.Valid() {
			return nil, fmt.Errorf("status %d: unknown category %q", status, name)
		}
		t[status] = c
	}
	return t, nil
}

// Classify returns the category of a nonzero status.
func (t StatusTable) Classify(status int) routine.Category {
	if c, ok := t[status]; ok {
		return c
	}
	return routine.CategoryUnknown
}
