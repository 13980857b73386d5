package tracker

// Queue is a FIFO of capture requests.
type Queue struct {
	items []*CaptureRequest
}

func (q *Queue) PushBack(cr *CaptureRequest) {
	cr.queued++
	q.items = append(q.items, cr)
}

func (q *Queue) PushFront(cr *CaptureRequest) {
	cr.queued++
	q.items = append([]*CaptureRequest{cr}, q.items...)
}

func (q *Queue) PopFront() *CaptureRequest {
	if len(q.items) == 0 {
		return nil
	}
	cr := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	cr.queued--
	return cr
}

func (q *Queue) Front() *CaptureRequest {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *Queue) Len() int {
	return len(q.items)
}

func (q *Queue) IsEmpty() bool {
	return len(q.items) == 0
}

// Drain pops everything.
func (q *Queue) Drain() []*CaptureRequest {
	var result []*CaptureRequest
	for cr := q.PopFront(); cr != nil; cr = q.PopFront() {
		result = append(result, cr)
	}
	return result
}
