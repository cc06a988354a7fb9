package domain

import (
	"sort"
	"time"
)

// Candidate is a queued message considered for dispatch together with its batch.
type Candidate struct {
	Message Message
	Batch   *Batch
	// Processing is true when the batch has at least one message in sending.
	Processing bool
}

func (c Candidate) batchCreatedAt() time.Time {
	if c.Batch != nil {
		return c.Batch.CreatedAt
	}
	return c.Message.CreatedAt
}

func (c Candidate) batchID() string {
	if c.Message.BatchID != nil {
		return *c.Message.BatchID
	}
	return ""
}

// SortCandidates orders candidates for dispatch: messages of a batch that is
// currently sending come first, then batches by creation time, then by the
// message position inside its batch.
func SortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.Processing != b.Processing {
			return a.Processing
		}
		at, bt := a.batchCreatedAt(), b.batchCreatedAt()
		if !at.Equal(bt) {
			return at.Before(bt)
		}
		if ab, bb := a.batchID(), b.batchID(); ab != bb {
			return ab < bb
		}
		if a.Message.Seq != b.Message.Seq {
			return a.Message.Seq < b.Message.Seq
		}
		return a.Message.CreatedAt.Before(b.Message.CreatedAt)
	})
}
