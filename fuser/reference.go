package fuser

import "sync/atomic"

// ReferenceCell stores the most recent reference pose. Updates replace the whole value,
// so readers never see a half written pose.
type ReferenceCell struct {
	latest atomic.Pointer[ReferencePoseEstimate]
}

// Update replaces the stored reference pose.
func (c *ReferenceCell) Update(ref ReferencePoseEstimate) {
	c.latest.Store(&ref)
}

// Latest returns the stored reference pose and whether one has been received.
func (c *ReferenceCell) Latest() (ReferencePoseEstimate, bool) {
	ref := c.latest.Load()
	if ref == nil {
		return ReferencePoseEstimate{}, false
	}
	return *ref, true
}
