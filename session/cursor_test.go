package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCursorRangeScanAscendingOrder(t *testing.T) {
	conn := openConn(t)
	sess := conn.OpenSession()

	const n = 40
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("key-%03d", i))
		require.NoError(t, sess.Put("table:docs", k, []byte(fmt.Sprintf("val-%03d", i))))
	}

	cur, err := sess.OpenCursor("table:docs")
	require.NoError(t, err)

	var got []string
	for {
		k, v, ok, err := cur.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		require.Equal(t, "val-"+string(k[4:]), string(v))
		got = append(got, string(k))
	}
	require.Len(t, got, n)
	for i := 1; i < len(got); i++ {
		require.Less(t, got[i-1], got[i])
	}
}

func TestCursorSetRangeBounds(t *testing.T) {
	conn := openConn(t)
	sess := conn.OpenSession()

	for i := 0; i < 10; i++ {
		require.NoError(t, sess.Put("table:docs", []byte(fmt.Sprintf("k%02d", i)), []byte("v")))
	}

	cur, err := sess.OpenCursor("table:docs")
	require.NoError(t, err)
	cur.SetRange([]byte("k03"), []byte("k06"))

	var keys []string
	for {
		k, _, ok, err := cur.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		keys = append(keys, string(k))
	}
	require.Equal(t, []string{"k03", "k04", "k05", "k06"}, keys)
}

func TestIndexCursorRejectsWrites(t *testing.T) {
	conn := openConn(t)
	sess := conn.OpenSession()

	cur, err := sess.OpenCursor("index:docs:email")
	require.NoError(t, err)
	require.Equal(t, KindIndex, cur.kind)

	require.ErrorIs(t, cur.Put([]byte("k"), []byte("v")), ErrReadOnlyCursor)
	require.ErrorIs(t, cur.Delete([]byte("k")), ErrReadOnlyCursor)
}

func TestCursorGetBypassesBuffering(t *testing.T) {
	conn := openConn(t)
	sess := conn.OpenSession()
	require.NoError(t, sess.Put("table:docs", []byte("k"), []byte("v")))

	cur, err := sess.OpenCursor("table:docs")
	require.NoError(t, err)
	v, ok, err := cur.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)
}

func TestCursorSeesOwnSessionUncommittedWrites(t *testing.T) {
	conn := openConn(t)
	sess := conn.OpenSession()

	require.NoError(t, sess.Begin())
	require.NoError(t, sess.Put("table:docs", []byte("k"), []byte("v")))

	cur, err := sess.OpenCursor("table:docs")
	require.NoError(t, err)
	v, ok, err := cur.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)

	require.NoError(t, sess.Commit())
}
