package postgres

// maxBoundParams bounds the total number of bound parameters queued in
// one pgx.Batch round trip. Each row is sent as its own single-row
// upsert statement inside the batch; rows are not combined into one
// multi-row statement.
const maxBoundParams = 30000

// chunkSize returns how many rows of paramsPerRow parameters each may be
// queued in one pgx.Batch without exceeding maxBoundParams, and is never
// less than 1 (a row needing more than the budget alone still gets its
// own batch).
func chunkSize(paramsPerRow int) int {
	if paramsPerRow <= 0 {
		paramsPerRow = 1
	}
	n := maxBoundParams / paramsPerRow
	if n < 1 {
		n = 1
	}
	return n
}

// chunkRanges splits a slice of length n into [start, end) windows of at
// most size elements each, in order.
func chunkRanges(n, size int) [][2]int {
	if size < 1 {
		size = 1
	}
	var ranges [][2]int
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		ranges = append(ranges, [2]int{start, end})
	}
	return ranges
}
