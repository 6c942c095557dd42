package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_CreateSupersedesPrevious(t *testing.T) {
	r := New("temp.mail", nil)

	first, err := r.Create(1001)
	require.NoError(t, err)

	second, err := r.Create(1001)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	// 旧地址不可再路由
	_, ok := r.ByAddress(first)
	assert.False(t, ok)

	chatID, ok := r.ByAddress(second)
	require.True(t, ok)
	assert.Equal(t, int64(1001), chatID)

	address, ok := r.BySession(1001)
	require.True(t, ok)
	assert.Equal(t, second, address)

	assert.Equal(t, 1, r.Len())
}

func TestRegistry_BidirectionalConsistency(t *testing.T) {
	r := New("temp.mail", nil)

	addresses := make(map[int64]string)
	for chatID := int64(1); chatID <= 50; chatID++ {
		addr, err := r.Create(chatID)
		require.NoError(t, err)
		addresses[chatID] = addr
	}

	for chatID, addr := range addresses {
		gotChat, ok := r.ByAddress(addr)
		require.True(t, ok)
		assert.Equal(t, chatID, gotChat)

		gotAddr, ok := r.BySession(chatID)
		require.True(t, ok)
		assert.Equal(t, addr, gotAddr)
	}
}

func TestRegistry_LookupIsCaseInsensitive(t *testing.T) {
	r := New("temp.mail", func(domain string) (string, error) {
		return "abcdef0123456789@" + domain, nil
	})

	_, err := r.Create(7)
	require.NoError(t, err)

	chatID, ok := r.ByAddress("ABCDEF0123456789@TEMP.MAIL")
	require.True(t, ok)
	assert.Equal(t, int64(7), chatID)
}

func TestRegistry_UnknownLookups(t *testing.T) {
	r := New("temp.mail", nil)

	_, ok := r.ByAddress("nobody@temp.mail")
	assert.False(t, ok)

	_, ok = r.BySession(42)
	assert.False(t, ok)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New("temp.mail", nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		chatID := int64(i % 5)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := r.Create(chatID)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			if addr, ok := r.BySession(chatID); ok {
				got, ok := r.ByAddress(addr)
				// 地址可能已被并发的 Create 取代，但若仍可路由，
				// 必须指回同一个会话
				if ok {
					assert.Equal(t, chatID, got)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, r.Len())
}

func TestGenerateAddress_NoDuplicates(t *testing.T) {
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		addr, err := GenerateAddress("temp.mail")
		require.NoError(t, err)
		require.Len(t, addr, 16+len("@temp.mail"))

		_, dup := seen[addr]
		require.False(t, dup, fmt.Sprintf("duplicate address after %d generations: %s", i, addr))
		seen[addr] = struct{}{}
	}
}
