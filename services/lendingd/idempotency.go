package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const approvalKeyPrefix = "approval:"

// ApprovalStore persists which approval log entries have already been acted
// on, keyed by transaction hash and log index. It keeps the watcher from
// opening a second loan when a poll window overlaps an earlier one or the
// daemon restarts mid-range.
type ApprovalStore struct {
	db *leveldb.DB
}

// OpenApprovalStore opens (or creates) a LevelDB database at the provided path.
func OpenApprovalStore(path string) (*ApprovalStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("approval store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve approval store path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open approval store: %w", err)
	}
	return &ApprovalStore{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (s *ApprovalStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Seen reports whether the approval identified by (txHash, logIndex) has been
// processed before.
func (s *ApprovalStore) Seen(txHash string, logIndex uint) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("approval store not configured")
	}
	_, err := s.db.Get(approvalKey(txHash, logIndex), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("load approval marker: %w", err)
	default:
		return true, nil
	}
}

// MarkSeen records the approval as processed. Marking an already-seen
// approval is a no-op.
func (s *ApprovalStore) MarkSeen(txHash string, logIndex uint, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("approval store not configured")
	}
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, uint64(at.UTC().UnixNano()))
	if err := s.db.Put(approvalKey(txHash, logIndex), value, nil); err != nil {
		return fmt.Errorf("record approval marker: %w", err)
	}
	return nil
}

// Count reports how many approvals have been recorded, for diagnostics.
func (s *ApprovalStore) Count() (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("approval store not configured")
	}
	iter := s.db.NewIterator(util.BytesPrefix([]byte(approvalKeyPrefix)), nil)
	defer iter.Release()
	count := 0
	for iter.Next() {
		count++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("iterate approval markers: %w", err)
	}
	return count, nil
}

func approvalKey(txHash string, logIndex uint) []byte {
	normalized := strings.ToLower(strings.TrimSpace(txHash))
	return []byte(fmt.Sprintf("%s%s:%d", approvalKeyPrefix, normalized, logIndex))
}
