package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
)

var ErrNotFound = errors.New("object not found")

const objectPrefix = "object:"

// ObjectRecord describes one received object and where its body is stored.
type ObjectRecord struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	ByteSize   int64     `json:"byte_size"`
	MediaType  string    `json:"media_type"`
	Checksum   string    `json:"checksum,omitempty"`
	BlobID     string    `json:"blob_id"`
	StoredSize int64     `json:"stored_size"`
	Compressed bool      `json:"compressed"`
	Peer       string    `json:"peer,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// MetadataStore wraps BadgerDB for metadata operations.
type MetadataStore struct {
	db *badger.DB
}

// OpenMetadataStore opens (or creates) a BadgerDB at the given path. An empty
// path opens an in-memory store.
func OpenMetadataStore(dbPath string) (*MetadataStore, error) {
	opts := badger.DefaultOptions(dbPath).WithLogger(nil)
	if dbPath == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &MetadataStore{db: db}, nil
}

// Close closes the BadgerDB.
func (ms *MetadataStore) Close() error {
	return ms.db.Close()
}

// PutObject stores or replaces the record for rec.ID.
func (ms *MetadataStore) PutObject(rec ObjectRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("object record has no id")
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return ms.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(objectPrefix+rec.ID), val)
	})
}

// GetObject retrieves a record by transfer id.
func (ms *MetadataStore) GetObject(id string) (ObjectRecord, error) {
	var rec ObjectRecord
	err := ms.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(objectPrefix + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

// ListObjects returns every record, newest first.
func (ms *MetadataStore) ListObjects() ([]ObjectRecord, error) {
	var records []ObjectRecord
	err := ms.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(objectPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec ObjectRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].ReceivedAt.After(records[j].ReceivedAt)
	})
	return records, nil
}

// DeleteObject removes the record for id.
func (ms *MetadataStore) DeleteObject(id string) error {
	if _, err := ms.GetObject(id); err != nil {
		return err
	}
	return ms.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(objectPrefix + id))
	})
}
