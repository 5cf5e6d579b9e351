package datastore

import "tablestage/internal/sheet"

// Diff marks what changed from baseline to data. Rows that exist in data
// but not in baseline get a row marker; rows present in both get a cell
// marker per differing column. The header row and column 0 are never
// compared, and sheets missing from either side are ignored.
func Diff(baseline, data sheet.Map) sheet.MarkerSet {
	return diffCells(baseline, data, 1)
}

// diffCells compares cells from column firstCol onward.
func diffCells(baseline, data sheet.Map, firstCol int) sheet.MarkerSet {
	out := sheet.NewMarkerSet()
	for key, s := range data {
		base, ok := baseline[key]
		if !ok {
			continue
		}
		for row, cells := range s.Rows {
			if row >= len(base.Rows) {
				out.Add(s.RowKey(row))
				continue
			}
			width := len(cells)
			if w := len(base.Rows[row]); w > width {
				width = w
			}
			for col := firstCol; col < width; col++ {
				if s.Cell(row, col) != base.Cell(row, col) {
					out.Add(sheet.CellKey(s.Name, row, col))
				}
			}
		}
	}
	return out
}
