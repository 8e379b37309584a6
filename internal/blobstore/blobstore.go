// Package blobstore implements a content-addressed blob cache for
// attestation proof data and MicroGPT weight snapshots. CIDs are
// computed locally (SHA-256, CIDv1 raw codec) the same way the
// teacher's storage subsystem addresses pinned objects; blobs
// themselves live in Postgres's `blobs` table, fronted by an
// in-process LRU so repeated reads of a hot attestation proof don't
// round-trip the pool.
package blobstore

import (
	"container/list"
	"context"
	"sync"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/jackc/pgx/v5"

	"kerai/internal/kerrors"
	"kerai/internal/kstore"
)

const defaultCacheEntries = 1024

// Store is a content-addressed blob cache backed by Postgres.
type Store struct {
	db *kstore.Store

	mu    sync.Mutex
	max   int
	index map[string]*list.Element
	order *list.List
}

type cacheEntry struct {
	cidStr string
	data   []byte
}

// New wires a Store against the given relational backend, with an
// in-memory LRU capped at maxEntries (0 uses a sane default).
func New(db *kstore.Store, maxEntries int) *Store {
	if maxEntries <= 0 {
		maxEntries = defaultCacheEntries
	}
	return &Store{
		db:    db,
		max:   maxEntries,
		index: make(map[string]*list.Element),
		order: list.New(),
	}
}

// CID computes the content address for data: a CIDv1 raw-codec digest
// over SHA2-256, matching the teacher's Pin() addressing scheme.
func CID(data []byte) (string, error) {
	digest, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return "", kerrors.Wrap(kerrors.Internal, err, "blobstore: hash")
	}
	c := cid.NewCidV1(cid.Raw, digest)
	return c.String(), nil
}

// Put stores data, returning its CID. Storing the same bytes twice is
// a no-op past the first write (blobs.cid is content-addressed).
func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	cidStr, err := CID(data)
	if err != nil {
		return "", err
	}
	_, err = s.db.Pool.Exec(ctx, `
		INSERT INTO blobs (cid, data) VALUES ($1, $2)
		ON CONFLICT (cid) DO NOTHING
	`, cidStr, data)
	if err != nil {
		return "", kerrors.Wrap(kerrors.Internal, err, "blobstore: put")
	}
	s.cachePut(cidStr, data)
	return cidStr, nil
}

// Get retrieves a blob by CID, checking the in-memory cache first.
func (s *Store) Get(ctx context.Context, cidStr string) ([]byte, error) {
	if data, ok := s.cacheGet(cidStr); ok {
		return data, nil
	}
	var data []byte
	err := s.db.Pool.QueryRow(ctx, `SELECT data FROM blobs WHERE cid = $1`, cidStr).Scan(&data)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, kerrors.New(kerrors.NotFound, "blob %s not found", cidStr)
		}
		return nil, kerrors.Wrap(kerrors.Internal, err, "blobstore: get")
	}
	s.cachePut(cidStr, data)
	return data, nil
}

// Verify reports whether data actually hashes to cidStr, used before
// trusting a peer-supplied proof_cid/proof_data pair.
func Verify(cidStr string, data []byte) (bool, error) {
	computed, err := CID(data)
	if err != nil {
		return false, err
	}
	return computed == cidStr, nil
}

func (s *Store) cacheGet(cidStr string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.index[cidStr]
	if !ok {
		return nil, false
	}
	s.order.MoveToFront(el)
	return el.Value.(*cacheEntry).data, true
}

func (s *Store) cachePut(cidStr string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.index[cidStr]; ok {
		s.order.MoveToFront(el)
		el.Value.(*cacheEntry).data = data
		return
	}
	if s.order.Len() >= s.max {
		oldest := s.order.Back()
		if oldest != nil {
			s.order.Remove(oldest)
			delete(s.index, oldest.Value.(*cacheEntry).cidStr)
		}
	}
	el := s.order.PushFront(&cacheEntry{cidStr: cidStr, data: data})
	s.index[cidStr] = el
}
