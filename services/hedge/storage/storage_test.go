// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMem(t *testing.T) *Store {
	t.Helper()
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_PutGet(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, []byte("run:a"), []byte("alpha")))
	v, err := s.Get(ctx, []byte("run:a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), v)

	_, err = s.Get(ctx, []byte("run:missing"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, s.InMemory())
	assert.Empty(t, s.Dir())
	assert.NoError(t, s.Sync())
}

func TestStore_ScanAndLast(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()

	for i := 3; i >= 1; i-- {
		require.NoError(t, s.Put(ctx, []byte(fmt.Sprintf("iter:a:%016d", i)), []byte{byte(i)}))
	}
	require.NoError(t, s.Put(ctx, []byte("iter:b:0000000000000009"), []byte{9}))

	var got []byte
	err := s.Scan(ctx, []byte("iter:a:"), func(_, v []byte) error {
		got = append(got, v[0])
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)

	key, value, err := s.Last(ctx, []byte("iter:a:"))
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("iter:a:%016d", 3), string(key))
	assert.Equal(t, []byte{3}, value)

	_, _, err = s.Last(ctx, []byte("iter:c:"))
	assert.ErrorIs(t, err, ErrNotFound)

	stop := fmt.Errorf("stop")
	n := 0
	err = s.Scan(ctx, []byte("iter:"), func(_, _ []byte) error {
		n++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, n)
}

func TestStore_DeletePrefix(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()
	for _, k := range []string{"upd:a:1", "upd:a:2", "upd:b:1"} {
		require.NoError(t, s.Put(ctx, []byte(k), []byte("x")))
	}

	n, err := s.DeletePrefix(ctx, []byte("upd:a:"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.Get(ctx, []byte("upd:a:1"))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, []byte("upd:b:1"))
	assert.NoError(t, err)

	require.NoError(t, s.Delete(ctx, []byte("upd:b:1")))
	_, err = s.Get(ctx, []byte("upd:b:1"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, s.Delete(ctx, []byte("missing")))
}

func TestStore_Transactions(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()

	boom := fmt.Errorf("boom")
	err := s.Update(ctx, func(txn *badger.Txn) error {
		require.NoError(t, txn.Set([]byte("k"), []byte("v")))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	_, err = s.Get(ctx, []byte("k"))
	assert.ErrorIs(t, err, ErrNotFound, "failed transactions are discarded")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, s.Put(cancelled, []byte("k"), []byte("v")), context.Canceled)
	_, err = s.Get(cancelled, []byte("k"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStore_Persistent(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.GCInterval = 10 * time.Millisecond

	s, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Put(context.Background(), []byte("snap:a"), []byte("state")))
	assert.Equal(t, dir, s.Dir())
	time.Sleep(25 * time.Millisecond)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")

	assert.ErrorIs(t, s.Put(context.Background(), []byte("k"), nil), ErrClosed)

	s, err = Open(cfg)
	require.NoError(t, err)
	defer s.Close()
	v, err := s.Get(context.Background(), []byte("snap:a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("state"), v)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"in memory", InMemoryConfig(), false},
		{"default", DefaultConfig("/tmp/hedge"), false},
		{"no dir", Config{}, true},
		{"negative gc", Config{InMemory: true, GCInterval: -time.Second}, true},
		{"bad ratio", Config{Dir: "x", GCInterval: time.Second, GCDiscardRatio: 1}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	_, err := Open(Config{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
