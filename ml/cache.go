package ml

import "sync"

// Latents and weight deltas recur at a handful of fixed sizes during a
// generation, so freed buffers are kept in a size-keyed cache and handed back
// out instead of reallocated. ClearCache drops everything; the pipeline calls
// it between phases after releasing a heavyweight model so that peak memory
// stays bounded by one phase's working set.
var cache = struct {
	sync.Mutex
	buffers map[int][][]float32
	held    int64
}{buffers: make(map[int][][]float32)}

func getBuffer(n int) []float32 {
	cache.Lock()
	if free := cache.buffers[n]; len(free) > 0 {
		buf := free[len(free)-1]
		cache.buffers[n] = free[:len(free)-1]
		cache.held -= int64(n) * 4
		cache.Unlock()
		clear(buf)
		return buf
	}
	cache.Unlock()
	return make([]float32, n)
}

func putBuffer(buf []float32) {
	if cap(buf) == 0 {
		return
	}
	buf = buf[:cap(buf)]
	cache.Lock()
	cache.buffers[len(buf)] = append(cache.buffers[len(buf)], buf)
	cache.held += int64(len(buf)) * 4
	cache.Unlock()
}

// ClearCache releases all cached buffers back to the Go runtime and returns
// the number of bytes that were held.
func ClearCache() int64 {
	cache.Lock()
	defer cache.Unlock()
	held := cache.held
	cache.buffers = make(map[int][][]float32)
	cache.held = 0
	return held
}

// CacheSize reports the bytes currently held by the cache.
func CacheSize() int64 {
	cache.Lock()
	defer cache.Unlock()
	return cache.held
}
