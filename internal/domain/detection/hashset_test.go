package detection

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashSet_LookupNormalizes(t *testing.T) {
	set := NewHashSet(map[string]string{"ABCDEF": "Trojan.Generic"})

	label, ok := set.Lookup("  abcdef ")
	assert.True(t, ok)
	assert.Equal(t, "Trojan.Generic", label)
	assert.False(t, set.Contains("123456"))
	assert.Equal(t, 1, set.Len())
}

func TestHashSet_ReplaceSwapsSnapshot(t *testing.T) {
	set := NewHashSet(map[string]string{"aa": "old"})
	set.Replace(map[string]string{"bb": "new"})

	assert.False(t, set.Contains("aa"))
	assert.True(t, set.Contains("bb"))
}

func TestHashSet_EmptySet(t *testing.T) {
	var set HashSet
	assert.Equal(t, 0, set.Len())
	assert.False(t, set.Contains("aa"))

	set.Add("aa", "Worm.AutoRun")
	assert.True(t, set.Contains("aa"))
}

func TestHashSet_ConcurrentReadersAndWriters(t *testing.T) {
	set := NewHashSet(nil)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				set.Add(fmt.Sprintf("%d-%d", w, i), "label")
			}
		}(w)
	}
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				set.Contains("0-1")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 400, set.Len(), "concurrent adds must not lose entries")
}
