package extract

import (
	"regexp"
	"strings"
)

// minTableRows is the number of consecutive aligned lines that make a table.
const minTableRows = 2

// columnGap separates cells: a tab or a run of at least two spaces.
var columnGap = regexp.MustCompile(`\t+| {2,}`)

// detectTables pulls runs of lines with a consistent column count out of text.
// It returns the remaining prose and the detected tables as rows of cells.
func detectTables(text string) (string, [][][]string) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	var prose []string
	var tables [][][]string
	var run [][]string
	var runLines []string

	flush := func() {
		if len(run) >= minTableRows {
			tables = append(tables, run)
		} else {
			prose = append(prose, runLines...)
		}
		run, runLines = nil, nil
	}

	for _, line := range lines {
		cells := splitCells(line)
		if len(cells) < 2 {
			flush()
			prose = append(prose, line)
			continue
		}
		if len(run) > 0 && len(run[0]) != len(cells) {
			flush()
		}
		run = append(run, cells)
		runLines = append(runLines, line)
	}
	flush()

	return strings.Join(prose, "\n"), tables
}

func splitCells(line string) []string {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}
	parts := columnGap.Split(trimmed, -1)
	cells := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			cells = append(cells, p)
		}
	}
	return cells
}
