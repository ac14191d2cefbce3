package netstack

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.etcd.io/bbolt"
)

const (
	cacheEntriesBucket = "http_cache_entries"
	cacheOrderBucket   = "http_cache_order"
	cacheMetaBucket    = "http_cache_meta"
	cacheTotalKey      = "total_bytes"
)

// BoltCache is a disk-backed ResponseCache stored in BoltDB.
// It is bounded by the serialized size of its entries and evicts the oldest
// stored entry first.
type BoltCache struct {
	db       *bbolt.DB
	maxBytes int64
}

// cachedResponseDTO is the JSON serialization format for a cached response.
type cachedResponseDTO struct {
	URL        string      `json:"url"`
	StatusCode int         `json:"status_code"`
	Proto      string      `json:"proto"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
	StoredAt   int64       `json:"stored_at"`
	Lifetime   int64       `json:"lifetime"`
	OrderKey   []byte      `json:"order_key"`
}

// NewBoltCache creates a disk cache in db holding at most maxBytes.
// It initializes the required buckets if they don't exist.
func NewBoltCache(db *bbolt.DB, maxBytes int64) (*BoltCache, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if maxBytes <= 0 {
		return nil, errors.New("disk cache size must be positive")
	}

	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{cacheEntriesBucket, cacheOrderBucket, cacheMetaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &BoltCache{db: db, maxBytes: maxBytes}, nil
}

// Get returns the stored entry for key.
func (c *BoltCache) Get(key string) (*CachedResponse, bool) {
	var resp *CachedResponse

	err := c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(cacheEntriesBucket)).Get([]byte(key))
		if data == nil {
			return nil
		}
		var dto cachedResponseDTO
		if err := json.Unmarshal(data, &dto); err != nil {
			return err
		}
		resp = dtoToCachedResponse(dto)
		return nil
	})
	if err != nil || resp == nil {
		return nil, false
	}
	return resp, true
}

// Put stores resp and evicts the oldest entries while over budget.
func (c *BoltCache) Put(key string, resp *CachedResponse) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket([]byte(cacheEntriesBucket))
		order := tx.Bucket([]byte(cacheOrderBucket))
		meta := tx.Bucket([]byte(cacheMetaBucket))

		total := readTotal(meta)
		removed, err := removeEntry(entries, order, key)
		if err != nil {
			return err
		}
		total -= removed

		orderKey := makeOrderKey(resp.StoredAt, key)
		data, err := json.Marshal(cachedResponseDTO{
			URL:        resp.URL,
			StatusCode: resp.StatusCode,
			Proto:      resp.Proto,
			Header:     resp.Header,
			Body:       resp.Body,
			StoredAt:   resp.StoredAt.UnixNano(),
			Lifetime:   int64(resp.Lifetime),
			OrderKey:   orderKey,
		})
		if err != nil {
			return err
		}

		if int64(len(data)) <= c.maxBytes {
			if err := entries.Put([]byte(key), data); err != nil {
				return err
			}
			if err := order.Put(orderKey, []byte(key)); err != nil {
				return err
			}
			total += int64(len(data))
		}

		for total > c.maxBytes {
			k, v := order.Cursor().First()
			if k == nil {
				total = 0
				break
			}
			// The order key goes first: an entry that is already gone would
			// otherwise leave it at the head of the cursor forever.
			orderKey, victim := bytes.Clone(k), string(v)
			if err := order.Delete(orderKey); err != nil {
				return err
			}
			removed, err := removeEntry(entries, order, victim)
			if err != nil {
				return err
			}
			total -= removed
		}

		return writeTotal(meta, total)
	})
}

// Delete removes key if present.
func (c *BoltCache) Delete(key string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket([]byte(cacheEntriesBucket))
		order := tx.Bucket([]byte(cacheOrderBucket))
		meta := tx.Bucket([]byte(cacheMetaBucket))

		removed, err := removeEntry(entries, order, key)
		if err != nil {
			return err
		}
		return writeTotal(meta, readTotal(meta)-removed)
	})
}

func (c *BoltCache) Len() int {
	n := 0
	_ = c.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket([]byte(cacheEntriesBucket)).Stats().KeyN
		return nil
	})
	return n
}

func (c *BoltCache) MaxBytes() int64 { return c.maxBytes }

// Bytes returns the accounted serialized size of all entries.
func (c *BoltCache) Bytes() int64 {
	var total int64
	_ = c.db.View(func(tx *bbolt.Tx) error {
		total = readTotal(tx.Bucket([]byte(cacheMetaBucket)))
		return nil
	})
	return total
}

// removeEntry deletes key from both buckets and returns the bytes freed.
func removeEntry(entries, order *bbolt.Bucket, key string) (int64, error) {
	data := entries.Get([]byte(key))
	if data == nil {
		return 0, nil
	}
	size := int64(len(data))

	var dto cachedResponseDTO
	if err := json.Unmarshal(data, &dto); err == nil && dto.OrderKey != nil {
		if err := order.Delete(dto.OrderKey); err != nil {
			return 0, err
		}
	}
	if err := entries.Delete([]byte(key)); err != nil {
		return 0, err
	}
	return size, nil
}

// makeOrderKey prefixes key with an 8-byte big-endian timestamp so the order
// bucket iterates oldest first.
func makeOrderKey(t time.Time, key string) []byte {
	k := make([]byte, 8+len(key))
	binary.BigEndian.PutUint64(k, uint64(t.UnixNano()))
	copy(k[8:], key)
	return k
}

func readTotal(meta *bbolt.Bucket) int64 {
	v := meta.Get([]byte(cacheTotalKey))
	if len(v) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(v))
}

func writeTotal(meta *bbolt.Bucket, total int64) error {
	if total < 0 {
		total = 0
	}
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, uint64(total))
	return meta.Put([]byte(cacheTotalKey), v)
}

func dtoToCachedResponse(dto cachedResponseDTO) *CachedResponse {
	return &CachedResponse{
		URL:        dto.URL,
		StatusCode: dto.StatusCode,
		Proto:      dto.Proto,
		Header:     dto.Header,
		Body:       dto.Body,
		StoredAt:   time.Unix(0, dto.StoredAt),
		Lifetime:   time.Duration(dto.Lifetime),
	}
}
