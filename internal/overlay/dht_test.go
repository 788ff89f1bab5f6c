package overlay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDHTStoreRetrieveLocal(t *testing.T) {
	d := newDHT()
	key := randomID(t, 9)
	d.storeLocal(key, []byte("a"))
	d.storeLocal(key, []byte("b"))

	values := d.retrieveLocal(key)
	require.ElementsMatch(t, [][]byte{[]byte("a"), []byte("b")}, values)
}

func TestDHTStoreLocalDeduplicatesIdenticalValues(t *testing.T) {
	d := newDHT()
	key := randomID(t, 9)
	d.storeLocal(key, []byte("a"))
	d.storeLocal(key, []byte("a"))

	values := d.retrieveLocal(key)
	require.Len(t, values, 1)
}

func TestDHTStoreLocalBoundsPerKey(t *testing.T) {
	d := newDHT()
	key := randomID(t, 9)
	for i := 0; i < MaxValuesPerKey+10; i++ {
		d.storeLocal(key, []byte{byte(i)})
	}
	require.LessOrEqual(t, len(d.retrieveLocal(key)), MaxValuesPerKey)
}

func TestDHTSweepExpiredDropsStaleValues(t *testing.T) {
	d := newDHT()
	key := randomID(t, 9)
	d.mu.Lock()
	d.values[key] = []storedValue{{value: []byte("stale"), expiry: time.Now().Add(-time.Second)}}
	d.mu.Unlock()

	d.sweepExpired()
	require.Empty(t, d.retrieveLocal(key))
}
