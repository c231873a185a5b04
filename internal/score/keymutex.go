package score

import "sync"

// keyedMutex serializes work per aggregate key while letting distinct
// keys proceed in parallel. Entries are retained for the process
// lifetime; the key space is bounded by the number of live claims and
// content items under active scoring.
type keyedMutex struct {
	locks sync.Map
}

func (k *keyedMutex) lock(key string) func() {
	v, _ := k.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
