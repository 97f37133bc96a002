package ledger

import (
	"sort"
	"sync"
	"time"
)

// cellLocks is an arena of independently lockable stock cells keyed by
// (batch, location). Multi-cell operations must lock keys in sorted order so
// that transfers can never deadlock against each other.
// (バッチ, ロケーション) をキーとする独立ロック可能な在庫セルのアリーナ。
// 複数セル操作はソート順でロックを取得するため、移動同士がデッドロック
// することはない
type cellLocks struct {
	mu    sync.Mutex
	cells map[string]*sync.Mutex
}

// newCellLocks creates an empty lock arena
// 空のロックアリーナを作成
func newCellLocks() *cellLocks {
	return &cellLocks{cells: make(map[string]*sync.Mutex)}
}

// cellKey builds the lock key for a stock cell
// 在庫セルのロックキーを構築
func cellKey(batchID, locationID string) string {
	return batchID + "\x00" + locationID
}

// batchNumberKey builds the lock key serializing batch creation by number.
// The leading NUL keeps it out of the cell key space.
// バッチ番号単位のバッチ作成を直列化するロックキーを構築。先頭のNULで
// セルキー空間と衝突しない
func batchNumberKey(productID, number string) string {
	return "\x00batch\x00" + productID + "\x00" + number
}

// get returns the mutex for a key, creating it on first use
// キーに対応するミューテックスを返す。初回使用時に作成
func (l *cellLocks) get(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.cells[key]
	if !ok {
		m = &sync.Mutex{}
		l.cells[key] = m
	}
	return m
}

// lock acquires the given cell keys in fixed (sorted) order and returns the
// matching unlock function
// 指定セルキーを固定（ソート）順で取得し、対応する解放関数を返す
func (l *cellLocks) lock(keys ...string) func() {
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	locked := make([]*sync.Mutex, 0, len(sorted))
	for i, key := range sorted {
		if i > 0 && key == sorted[i-1] {
			continue // 同一キーの二重ロックを回避
		}
		m := l.get(key)
		m.Lock()
		locked = append(locked, m)
	}

	return func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].Unlock()
		}
	}
}

// Retry policy for optimistic-lock conflicts against the storage layer
// ストレージ層の楽観的ロック競合に対するリトライ方針
const (
	casMaxAttempts  = 3
	casInitialDelay = 10 * time.Millisecond
)

// casBackoff returns the backoff delay before the given retry attempt
// 指定リトライ回数の前に挟むバックオフ時間を返す
func casBackoff(attempt int) time.Duration {
	return casInitialDelay << uint(attempt)
}
