package registry

// lockForTest holds the write lock until release is called.
func (r *Registry) lockForTest() (release func()) {
	r.mu.Lock()
	return r.mu.Unlock
}
