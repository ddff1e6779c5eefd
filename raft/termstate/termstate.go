/*
Package termstate implements the Persistent Term State described in the core
design: durable storage for (currentTerm, votedFor), written atomically
before any vote is granted or term change is externalized.

It is backed by go.etcd.io/bbolt rather than a hand-rolled write-temp-
then-rename file: a single bbolt Update() transaction is already atomic and
fsynced on commit, which is exactly the durability contract this component
needs for two tiny values, and the teacher repo already reaches for bbolt
(via raft-boltdb) for precisely this kind of small persistent Raft metadata.
*/
package termstate

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketState  = []byte("term_state")
	keyTerm      = []byte("current_term")
	keyVotedFor  = []byte("voted_for")
	keyHasVoted  = []byte("has_voted")
)

// Store is the durable (currentTerm, votedFor) pair for one Raft node.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the term state file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("termstate: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketState)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("termstate: create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Load returns the persisted (term, votedFor, hasVoted) recovered on restart.
// hasVoted distinguishes "voted for node with empty-string id" (never
// happens, since node ids are required non-empty) from "no vote cast yet".
func (s *Store) Load() (term uint64, votedFor string, hasVoted bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		if v := b.Get(keyTerm); v != nil {
			term = binary.BigEndian.Uint64(v)
		}
		if v := b.Get(keyVotedFor); v != nil {
			votedFor = string(v)
		}
		hasVoted = b.Get(keyHasVoted) != nil
		return nil
	})
	if err != nil {
		return 0, "", false, fmt.Errorf("termstate: load: %w", err)
	}
	return term, votedFor, hasVoted, nil
}

// SaveTerm durably persists a new current term and clears votedFor, since a
// new term always implies no vote has been cast in it yet.
func (s *Store) SaveTerm(term uint64) error {
	return s.save(term, "", false)
}

// SaveVotedFor durably persists a vote grant within the current term.
func (s *Store) SaveVotedFor(term uint64, candidateID string) error {
	return s.save(term, candidateID, true)
}

// SaveBoth durably persists both values in one transaction, used when a node
// simultaneously advances its term and votes for a candidate.
func (s *Store) SaveBoth(term uint64, candidateID string) error {
	return s.save(term, candidateID, true)
}

func (s *Store) save(term uint64, votedFor string, hasVoted bool) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, term)
		if err := b.Put(keyTerm, buf); err != nil {
			return err
		}
		if err := b.Put(keyVotedFor, []byte(votedFor)); err != nil {
			return err
		}
		if hasVoted {
			return b.Put(keyHasVoted, []byte{1})
		}
		return b.Delete(keyHasVoted)
	})
	if err != nil {
		return fmt.Errorf("termstate: save: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
