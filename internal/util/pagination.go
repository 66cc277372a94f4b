package util

// Calculate turns a 1-based page and page size into an offset and limit.
// Sizes outside (0, 100] fall back to 20.
func Calculate(page, size int) (from, limit int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	from = (page - 1) * size
	return from, size
}

// Range is Calculate expressed as inclusive list indexes, as LRANGE takes them.
func Range(page, size int) (start, stop int64) {
	from, limit := Calculate(page, size)
	return int64(from), int64(from + limit - 1)
}
