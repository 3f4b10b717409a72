package btree

import (
	"fmt"
	"path/filepath"
	"testing"

	"docengine/config"
	"docengine/engineerr"

	"github.com/stretchr/testify/require"
)

func newTestTree(t *testing.T, pageSize uint32) *BTree {
	dir := t.TempDir()
	tr, err := Create(filepath.Join(dir, "tree.db"), pageSize, config.WithDefaults(config.Config{}))
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestBTreeGetMissingOnEmptyTree(t *testing.T) {
	tr := newTestTree(t, 4096)
	_, ok, err := tr.Get([]byte("anything"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBTreePutGetRoundTrip(t *testing.T) {
	tr := newTestTree(t, 4096)
	require.NoError(t, tr.Put([]byte("b"), []byte("2")))
	require.NoError(t, tr.Put([]byte("a"), []byte("1")))
	require.NoError(t, tr.Put([]byte("c"), []byte("3")))

	v, ok, err := tr.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)

	_, ok, err = tr.Get([]byte("missing"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBTreePutOverwrite(t *testing.T) {
	tr := newTestTree(t, 4096)
	require.NoError(t, tr.Put([]byte("k"), []byte("v1")))
	require.NoError(t, tr.Put([]byte("k"), []byte("v2")))
	v, ok, err := tr.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v)
}

// TestBTreeSplitsAcrossManyInserts forces enough leaf (and, with a
// small page size, internal) splits to exercise root growth, then
// checks every inserted key is still reachable in order.
func TestBTreeSplitsAcrossManyInserts(t *testing.T) {
	tr := newTestTree(t, 256)
	const n = 300
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("key-%04d", i))
		v := []byte(fmt.Sprintf("value-%04d", i))
		require.NoError(t, tr.Put(k, v))
	}
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("key-%04d", i))
		v, ok, err := tr.Get(k)
		require.NoError(t, err)
		require.True(t, ok, "missing key %s", k)
		require.Equal(t, fmt.Sprintf("value-%04d", i), string(v))
	}
}

func TestBTreeDeleteRemovesKey(t *testing.T) {
	tr := newTestTree(t, 4096)
	require.NoError(t, tr.Put([]byte("a"), []byte("1")))
	require.NoError(t, tr.Put([]byte("b"), []byte("2")))

	deleted, err := tr.Delete([]byte("a"))
	require.NoError(t, err)
	require.True(t, deleted)

	_, ok, err := tr.Get([]byte("a"))
	require.NoError(t, err)
	require.False(t, ok)

	deleted, err = tr.Delete([]byte("a"))
	require.NoError(t, err)
	require.False(t, deleted)

	v, ok, err := tr.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)
}

func TestBTreeDeleteAcrossSplitLeaves(t *testing.T) {
	tr := newTestTree(t, 256)
	const n = 200
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("key-%04d", i))
		require.NoError(t, tr.Put(k, []byte("v")))
	}
	for i := 0; i < n; i += 2 {
		k := []byte(fmt.Sprintf("key-%04d", i))
		deleted, err := tr.Delete(k)
		require.NoError(t, err)
		require.True(t, deleted)
	}
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("key-%04d", i))
		_, ok, err := tr.Get(k)
		require.NoError(t, err)
		require.Equal(t, i%2 != 0, ok, "key %s", k)
	}
}

func TestBTreeReopenAfterCheckpointPreservesData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tree.db")
	cfg := config.WithDefaults(config.Config{})

	tr1, err := Create(path, 4096, cfg)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, tr1.Put([]byte(fmt.Sprintf("k%02d", i)), []byte(fmt.Sprintf("v%02d", i))))
	}
	require.NoError(t, tr1.Checkpoint())
	require.NoError(t, tr1.Close())

	tr2, err := Open(path, cfg)
	require.NoError(t, err)
	defer tr2.Close()
	for i := 0; i < 20; i++ {
		v, ok, err := tr2.Get([]byte(fmt.Sprintf("k%02d", i)))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("v%02d", i), string(v))
	}
}

func TestBTreePutUniqueRejectsExistingKey(t *testing.T) {
	tr := newTestTree(t, 4096)
	require.NoError(t, tr.PutUnique([]byte("k"), []byte("v1")))

	err := tr.PutUnique([]byte("k"), []byte("v2"))
	require.Error(t, err)
	kind, ok := engineerr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, engineerr.KindDuplicateKey, kind)

	v, ok2, err := tr.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok2)
	require.Equal(t, []byte("v1"), v)
}

func drainRange(t *testing.T, it *Iterator) ([]string, []string) {
	var keys, values []string
	for {
		k, v, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		keys = append(keys, string(k))
		values = append(values, string(v))
	}
	return keys, values
}

func TestBTreeRangeFullScanIsAscending(t *testing.T) {
	tr := newTestTree(t, 256)
	const n = 300
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("key-%04d", i))
		require.NoError(t, tr.Put(k, []byte(fmt.Sprintf("value-%04d", i))))
	}

	it, err := tr.Range(Unbounded, Unbounded)
	require.NoError(t, err)
	keys, values := drainRange(t, it)
	require.Len(t, keys, n)
	for i := 0; i < n; i++ {
		require.Equal(t, fmt.Sprintf("key-%04d", i), keys[i])
		require.Equal(t, fmt.Sprintf("value-%04d", i), values[i])
	}
}

func TestBTreeRangeRespectsBoundInclusivity(t *testing.T) {
	tr := newTestTree(t, 256)
	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, tr.Put([]byte(fmt.Sprintf("key-%04d", i)), []byte("v")))
	}

	it, err := tr.Range(
		Bound{Key: []byte("key-0010"), Inclusive: true},
		Bound{Key: []byte("key-0020"), Inclusive: false},
	)
	require.NoError(t, err)
	keys, _ := drainRange(t, it)
	require.Equal(t, 10, len(keys))
	require.Equal(t, "key-0010", keys[0])
	require.Equal(t, "key-0019", keys[len(keys)-1])

	it2, err := tr.Range(
		Bound{Key: []byte("key-0010"), Inclusive: false},
		Bound{Key: []byte("key-0020"), Inclusive: true},
	)
	require.NoError(t, err)
	keys2, _ := drainRange(t, it2)
	require.Equal(t, 10, len(keys2))
	require.Equal(t, "key-0011", keys2[0])
	require.Equal(t, "key-0020", keys2[len(keys2)-1])
}

func TestBTreeRangeOnEmptyTreeYieldsNothing(t *testing.T) {
	tr := newTestTree(t, 4096)
	it, err := tr.Range(Unbounded, Unbounded)
	require.NoError(t, err)
	_, _, ok, err := it.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBTreeRangeSkipsDeletedKeys(t *testing.T) {
	tr := newTestTree(t, 256)
	const n = 150
	for i := 0; i < n; i++ {
		require.NoError(t, tr.Put([]byte(fmt.Sprintf("key-%04d", i)), []byte("v")))
	}
	for i := 0; i < n; i += 3 {
		_, err := tr.Delete([]byte(fmt.Sprintf("key-%04d", i)))
		require.NoError(t, err)
	}

	it, err := tr.Range(Unbounded, Unbounded)
	require.NoError(t, err)
	keys, _ := drainRange(t, it)
	require.Len(t, keys, n-(n+2)/3)
	for _, k := range keys {
		var i int
		_, err := fmt.Sscanf(k, "key-%04d", &i)
		require.NoError(t, err)
		require.NotZero(t, i%3)
	}
}
