package rawtable

import (
	"fmt"
	"io"
	"strconv"
	"testing"

	"github.com/aclements/go-perfevent/perfbench"
)

func BenchmarkTableIter(b *testing.B) {
	runBench(b, "Int64", benchmarkIter[int64])
}

func BenchmarkTableGetHit(b *testing.B) {
	runBench(b, "Int64", benchmarkGetHit[int64])
	runBench(b, "Int32", benchmarkGetHit[int32])
	runBench(b, "String", benchmarkGetHit[string])
}

func BenchmarkTableGetMiss(b *testing.B) {
	runBench(b, "Int64", benchmarkGetMiss[int64])
	runBench(b, "String", benchmarkGetMiss[string])
}

func BenchmarkTablePutGrow(b *testing.B) {
	runBench(b, "Int64", benchmarkPutGrow[int64])
	runBench(b, "String", benchmarkPutGrow[string])
}

func BenchmarkTablePutPreAllocate(b *testing.B) {
	runBench(b, "Int64", benchmarkPutPreAllocate[int64])
	runBench(b, "String", benchmarkPutPreAllocate[string])
}

func BenchmarkTablePutReuse(b *testing.B) {
	runBench(b, "Int64", benchmarkPutReuse[int64])
}

func BenchmarkTablePutDelete(b *testing.B) {
	runBench(b, "Int64", benchmarkPutDelete[int64])
	runBench(b, "String", benchmarkPutDelete[string])
}

type benchTypes interface {
	int32 | int64 | string
}

// benchMap is the handful of map operations the benchmarks exercise, so
// that the builtin map and a Table based map run identical loops.
type benchMap[T benchTypes] interface {
	put(key, value T)
	get(key T) (T, bool)
	delete(key T)
	all(fn func(key, value T))
	clear()
}

type runtimeMap[T benchTypes] map[T]T

func newRuntimeMap[T benchTypes](capacity int) benchMap[T] {
	return runtimeMap[T](make(map[T]T, capacity))
}

func (m runtimeMap[T]) put(key, value T) { m[key] = value }
func (m runtimeMap[T]) delete(key T)     { delete(m, key) }

func (m runtimeMap[T]) get(key T) (T, bool) {
	v, ok := m[key]
	return v, ok
}

func (m runtimeMap[T]) all(fn func(key, value T)) {
	for k, v := range m {
		fn(k, v)
	}
}

func (m runtimeMap[T]) clear() {
	for k := range m {
		delete(m, k)
	}
}

type kv[T benchTypes] struct {
	key, value T
}

// kvTable layers map operations on top of a Table, the way a map wrapper
// would.
type kvTable[T benchTypes] struct {
	t      *Table[kv[T]]
	h      Hasher[T]
	hasher func(v *kv[T]) uint64
}

func newKVTable[T benchTypes](capacity int) benchMap[T] {
	m := &kvTable[T]{t: New[kv[T]](capacity), h: NewHasher[T]()}
	m.hasher = HashBy(m.h, func(v *kv[T]) T { return v.key })
	return m
}

func (m *kvTable[T]) put(key, value T) {
	hash := m.h.Hash(key)
	if v, ok := m.t.Get(hash, func(v *kv[T]) bool { return v.key == key }); ok {
		v.value = value
		return
	}
	m.t.Insert(hash, kv[T]{key, value}, m.hasher)
}

func (m *kvTable[T]) get(key T) (T, bool) {
	v, ok := m.t.Get(m.h.Hash(key), func(v *kv[T]) bool { return v.key == key })
	if !ok {
		var zero T
		return zero, false
	}
	return v.value, true
}

func (m *kvTable[T]) delete(key T) {
	m.t.EraseEntry(m.h.Hash(key), func(v *kv[T]) bool { return v.key == key })
}

func (m *kvTable[T]) all(fn func(key, value T)) {
	m.t.All(func(b Bucket[kv[T]]) bool {
		v := b.Ptr()
		fn(v.key, v.value)
		return true
	})
}

func (m *kvTable[T]) clear() {
	m.t.Clear()
}

var benchLens = []int{
	6, 12, 18, 24, 30,
	64,
	128,
	256,
	512,
	1024,
	2048,
	4096,
	8192,
	1 << 16,
}

// runBench runs f against every implementation and map length as
// impl=<name>/t=<typ>/len=<n>.
func runBench[T benchTypes](
	b *testing.B, typ string, f func(b *testing.B, newMap func(capacity int) benchMap[T], n int),
) {
	impls := []struct {
		name   string
		newMap func(capacity int) benchMap[T]
	}{
		{"runtimeMap", newRuntimeMap[T]},
		{"rawTable", newKVTable[T]},
	}
	for _, impl := range impls {
		b.Run("impl="+impl.name, func(b *testing.B) {
			b.Run("t="+typ, func(b *testing.B) {
				for _, n := range benchLens {
					b.Run("len="+strconv.Itoa(n), func(b *testing.B) { f(b, impl.newMap, n) })
				}
			})
		})
	}
}

func benchKey[T benchTypes](i int) T {
	var k T
	switch p := any(&k).(type) {
	case *int32:
		*p = int32(i)
	case *int64:
		*p = int64(i)
	case *string:
		*p = strconv.Itoa(i)
	}
	return k
}

func genKeys[T benchTypes](start, end int) []T {
	keys := make([]T, 0, end-start)
	for i := start; i < end; i++ {
		keys = append(keys, benchKey[T](i))
	}
	return keys
}

func fill[T benchTypes](m benchMap[T], keys []T) {
	for _, k := range keys {
		m.put(k, k)
	}
}

// startBench resets the timer once setup is done and attaches hardware
// counters to the measured loop.
func startBench(b *testing.B) {
	b.ResetTimer()
	perfbench.Open(b)
}

func benchmarkIter[T benchTypes](b *testing.B, newMap func(int) benchMap[T], n int) {
	m := newMap(n)
	fill(m, genKeys[T](0, n))
	startBench(b)
	var tmp T
	for i := 0; i < b.N; i++ {
		m.all(func(k, v T) {
			tmp += k + v
		})
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, tmp)
}

func benchmarkGetHit[T benchTypes](b *testing.B, newMap func(int) benchMap[T], n int) {
	m := newMap(n)
	fill(m, genKeys[T](0, n))

	// Go's builtin map has an optimization to avoid string comparisons if
	// there is pointer equality. Look up with freshly generated keys so that
	// neither implementation benefits from sharing string data with the
	// stored keys.
	keys := genKeys[T](0, n)

	startBench(b)
	var ok bool
	for i := 0; i < b.N; i++ {
		_, ok = m.get(keys[i%n])
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, ok)
}

func benchmarkGetMiss[T benchTypes](b *testing.B, newMap func(int) benchMap[T], n int) {
	m := newMap(0)
	fill(m, genKeys[T](0, n))
	miss := genKeys[T](-n, 0)
	startBench(b)
	var ok bool
	for i := 0; i < b.N; i++ {
		_, ok = m.get(miss[i%n])
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, ok)
}

func benchmarkPutGrow[T benchTypes](b *testing.B, newMap func(int) benchMap[T], n int) {
	keys := genKeys[T](0, n)
	startBench(b)
	for i := 0; i < b.N; i++ {
		fill(newMap(0), keys)
	}
}

func benchmarkPutPreAllocate[T benchTypes](b *testing.B, newMap func(int) benchMap[T], n int) {
	keys := genKeys[T](0, n)
	startBench(b)
	for i := 0; i < b.N; i++ {
		fill(newMap(n), keys)
	}
}

func benchmarkPutReuse[T benchTypes](b *testing.B, newMap func(int) benchMap[T], n int) {
	m := newMap(n)
	keys := genKeys[T](0, n)
	startBench(b)
	for i := 0; i < b.N; i++ {
		fill(m, keys)
		m.clear()
	}
}

func benchmarkPutDelete[T benchTypes](b *testing.B, newMap func(int) benchMap[T], n int) {
	m := newMap(n)
	keys := genKeys[T](0, n)
	fill(m, keys)
	startBench(b)
	for i := 0; i < b.N; i++ {
		j := i % n
		m.delete(keys[j])
		m.put(keys[j], keys[j])
	}
}
