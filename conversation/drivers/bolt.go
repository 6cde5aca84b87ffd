// Package drivers implements conversation.Persister on Redis and on a local
// bbolt file.
package drivers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	bolt "go.etcd.io/bbolt"

	"voicegate/conversation"
	"voicegate/core"
)

var conversationsBucket = []byte("conversations")

// BoltPersister stores conversations in a single bbolt file, one key per
// session inside the "conversations" bucket.
type BoltPersister struct {
	mu sync.RWMutex
	db *bolt.DB
}

// OpenBolt creates the parent directory and opens (or creates) path.
func OpenBolt(path string) (*BoltPersister, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("bolt persister: mkdir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt persister: open %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(conversationsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt persister: create bucket: %w", err)
	}
	return &BoltPersister{db: db}, nil
}

// Load implements conversation.Persister.
func (p *BoltPersister) Load(_ context.Context, session string) ([]core.Turn, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.db == nil {
		return nil, conversation.ErrPersisterClosed
	}

	var turns []core.Turn
	err := p.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(conversationsBucket).Get([]byte(session))
		if len(v) == 0 {
			return nil
		}
		// v is only valid inside the transaction; Unmarshal copies out.
		return sonic.Unmarshal(v, &turns)
	})
	if err != nil {
		return nil, fmt.Errorf("bolt persister: load %q: %w", session, err)
	}
	return turns, nil
}

// Save implements conversation.Persister. An empty history deletes the key.
func (p *BoltPersister) Save(_ context.Context, session string, turns []core.Turn) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.db == nil {
		return conversation.ErrPersisterClosed
	}

	var val []byte
	if len(turns) > 0 {
		var err error
		if val, err = sonic.Marshal(turns); err != nil {
			return fmt.Errorf("bolt persister: encode %q: %w", session, err)
		}
	}
	err := p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(conversationsBucket)
		if val == nil {
			return b.Delete([]byte(session))
		}
		return b.Put([]byte(session), val)
	})
	if err != nil {
		return fmt.Errorf("bolt persister: save %q: %w", session, err)
	}
	return nil
}

// Delete implements conversation.Persister.
func (p *BoltPersister) Delete(_ context.Context, session string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.db == nil {
		return conversation.ErrPersisterClosed
	}
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).Delete([]byte(session))
	})
}

// Sessions lists every stored session key.
func (p *BoltPersister) Sessions() ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.db == nil {
		return nil, conversation.ErrPersisterClosed
	}
	var out []string
	err := p.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}

// Close implements conversation.Persister.
func (p *BoltPersister) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}
