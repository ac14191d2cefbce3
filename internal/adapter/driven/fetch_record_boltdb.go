package driven

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"go.etcd.io/bbolt"

	"github.com/alorle/image-fetcher/internal/fetch"
)

const fetchesBucket = "fetches"

// FetchRecordBoltDBRepository implements the FetchRecordRepository port using BoltDB.
// It uses nested buckets: fetches/<url> with entries keyed by timestamp and record ID.
type FetchRecordBoltDBRepository struct {
	db *bbolt.DB
}

// NewFetchRecordBoltDBRepository creates a new BoltDB-backed fetch history repository.
// It initializes the required top-level bucket if it doesn't exist.
func NewFetchRecordBoltDBRepository(db *bbolt.DB) (*FetchRecordBoltDBRepository, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}

	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(fetchesBucket))
		return err
	})
	if err != nil {
		return nil, err
	}

	return &FetchRecordBoltDBRepository{db: db}, nil
}

// fetchRecordDTO is the JSON serialization format for a fetch record.
type fetchRecordDTO struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Timestamp   int64  `json:"timestamp"`
	FetcherName string `json:"fetcher_name"`
	Successful  bool   `json:"successful"`
	Latency     int64  `json:"latency"`
	WasCached   bool   `json:"was_cached"`
	Size        int    `json:"size"`
	BypassCache bool   `json:"bypass_cache,omitempty"`
}

// Save persists a fetch record to BoltDB.
func (r *FetchRecordBoltDBRepository) Save(ctx context.Context, record fetch.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		top := tx.Bucket([]byte(fetchesBucket))
		if top == nil {
			return errors.New("fetches bucket not found")
		}

		sub, err := top.CreateBucketIfNotExists([]byte(record.URL()))
		if err != nil {
			return err
		}

		data, err := json.Marshal(fetchRecordDTO{
			ID:          record.ID(),
			URL:         record.URL(),
			Timestamp:   record.Timestamp().UnixNano(),
			FetcherName: record.FetcherName(),
			Successful:  record.Successful(),
			Latency:     record.Latency().Nanoseconds(),
			WasCached:   record.WasCached(),
			Size:        record.Size(),
			BypassCache: record.BypassCache(),
		})
		if err != nil {
			return err
		}

		return sub.Put(recordKey(record.Timestamp(), record.ID()), data)
	})
}

// FindByURL retrieves all records for a URL, most recent first.
func (r *FetchRecordBoltDBRepository) FindByURL(ctx context.Context, rawURL string) ([]fetch.Record, error) {
	return r.FindByURLSince(ctx, rawURL, time.Time{})
}

// FindByURLSince retrieves records for a URL at or after since, most recent first.
// A zero since returns the whole history.
func (r *FetchRecordBoltDBRepository) FindByURLSince(ctx context.Context, rawURL string, since time.Time) ([]fetch.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	records := []fetch.Record{}

	err := r.db.View(func(tx *bbolt.Tx) error {
		top := tx.Bucket([]byte(fetchesBucket))
		if top == nil {
			return errors.New("fetches bucket not found")
		}

		sub := top.Bucket([]byte(rawURL))
		if sub == nil {
			return nil
		}

		c := sub.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if !since.IsZero() && keyTime(k) < since.UnixNano() {
				break
			}

			record, err := dtoToRecord(v)
			if err != nil {
				return err
			}
			records = append(records, record)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

// DeleteBefore removes all records older than before, across every URL.
// URL buckets left empty are dropped.
func (r *FetchRecordBoltDBRepository) DeleteBefore(ctx context.Context, before time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		top := tx.Bucket([]byte(fetchesBucket))
		if top == nil {
			return errors.New("fetches bucket not found")
		}

		cutoff := before.UnixNano()
		var emptied [][]byte

		err := top.ForEach(func(name, v []byte) error {
			// v is nil for nested buckets
			if v != nil {
				return nil
			}
			sub := top.Bucket(name)
			if sub == nil {
				return nil
			}

			c := sub.Cursor()
			for k, _ := c.First(); k != nil && keyTime(k) < cutoff; k, _ = c.First() {
				if err := c.Delete(); err != nil {
					return err
				}
			}

			if k, _ := sub.Cursor().First(); k == nil {
				emptied = append(emptied, append([]byte(nil), name...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, name := range emptied {
			if err := top.DeleteBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

// Ping checks if the BoltDB database is accessible and operational.
func (r *FetchRecordBoltDBRepository) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return r.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(fetchesBucket)) == nil {
			return errors.New("fetches bucket not found")
		}
		return nil
	})
}

// recordKey prefixes the record ID with an 8-byte big-endian timestamp so
// keys sort chronologically and records sharing a timestamp don't collide.
func recordKey(t time.Time, id string) []byte {
	key := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(t.UnixNano()))
	copy(key[8:], id)
	return key
}

func keyTime(key []byte) int64 {
	if len(key) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(key[:8]))
}

// dtoToRecord deserializes a JSON value into a fetch.Record.
func dtoToRecord(data []byte) (fetch.Record, error) {
	var dto fetchRecordDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return fetch.Record{}, err
	}

	return fetch.ReconstructRecord(
		dto.ID,
		dto.URL,
		time.Unix(0, dto.Timestamp),
		dto.FetcherName,
		dto.Successful,
		time.Duration(dto.Latency),
		dto.WasCached,
		dto.Size,
		dto.BypassCache,
	), nil
}
