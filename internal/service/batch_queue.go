package service

const DefaultBatchSize = 50

// BatchInfo is one slice of a BatchQueue together with its position.
type BatchInfo[T any] struct {
	Batch           []T
	BatchNumber     int
	TotalBatches    int
	ProgressPercent float64
}

// BatchQueue partitions items into fixed-size batches and hands them out in
// order. Partitioning is positional: items are never reordered or deduplicated.
// A BatchQueue is owned by a single run and is not safe for concurrent use.
type BatchQueue[T any] struct {
	size    int
	batches [][]T
	current int
}

func NewBatchQueue[T any](size int) *BatchQueue[T] {
	if size < 1 {
		size = DefaultBatchSize
	}
	return &BatchQueue[T]{size: size}
}

// AddRecipients appends items as new batches after any existing ones.
func (q *BatchQueue[T]) AddRecipients(items []T) {
	for start := 0; start < len(items); start += q.size {
		end := min(start+q.size, len(items))
		q.batches = append(q.batches, items[start:end:end])
	}
}

func (q *BatchQueue[T]) HasNext() bool {
	return q.current < len(q.batches)
}

// GetNext returns the next batch and advances the cursor. The second result
// is false once every batch has been handed out.
func (q *BatchQueue[T]) GetNext() (BatchInfo[T], bool) {
	if !q.HasNext() {
		return BatchInfo[T]{}, false
	}

	batch := q.batches[q.current]
	q.current++

	total := len(q.batches)
	return BatchInfo[T]{
		Batch:           batch,
		BatchNumber:     q.current,
		TotalBatches:    total,
		ProgressPercent: round2(float64(q.current) / float64(total) * 100),
	}, true
}

func (q *BatchQueue[T]) TotalBatches() int {
	return len(q.batches)
}

func (q *BatchQueue[T]) Size() int {
	return q.size
}

func (q *BatchQueue[T]) Reset() {
	q.batches = nil
	q.current = 0
}
