package store

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// GetEmbedding returns the cached embedding for a work item along with
// the item version it was computed from. Returns (nil, 0, nil) on a
// cache miss.
func (s *Store) GetEmbedding(workItemID string) ([]float32, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var blob []byte
	var itemVersion int64
	err := s.db.QueryRow(`
		SELECT vector, item_version FROM embeddings WHERE work_item_id = ?
	`, workItemID).Scan(&blob, &itemVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("get embedding: %w", err)
	}

	vec, err := decodeVector(blob)
	if err != nil {
		return nil, 0, fmt.Errorf("decode embedding for %s: %w", workItemID, err)
	}
	return vec, itemVersion, nil
}

// PutEmbedding caches an embedding for a work item at the given item
// version, replacing any previous entry.
func (s *Store) PutEmbedding(workItemID string, vector []float32, itemVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO embeddings (work_item_id, vector, item_version, computed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(work_item_id) DO UPDATE SET
			vector = excluded.vector,
			item_version = excluded.item_version,
			computed_at = excluded.computed_at
	`, workItemID, encodeVector(vector), itemVersion, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("put embedding: %w", err)
	}
	return nil
}

// DeleteEmbedding drops the cached embedding for a work item.
func (s *Store) DeleteEmbedding(workItemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM embeddings WHERE work_item_id = ?", workItemID); err != nil {
		return fmt.Errorf("delete embedding: %w", err)
	}
	return nil
}

// encodeVector packs a float32 slice into a little-endian blob.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeVector unpacks a little-endian blob into a float32 slice.
func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}
