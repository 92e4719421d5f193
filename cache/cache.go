package cache

import (
	"container/list"
	"encoding/base64"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/skip2/go-qrcode"
)

const (
	// pairing codes rotate roughly every 20 seconds
	defaultTTL  = 2 * time.Minute
	qrImageSize = 256
)

type cacheEntry struct {
	Key       string
	Value     string
	Timestamp time.Time
}

// Cache is an LRU of rendered QR data URLs keyed by the raw pairing code.
// Status polling during pairing would otherwise re-encode the same PNG on
// every request.
type Cache struct {
	items     map[string]*list.Element
	evictList *list.List
	mutex     sync.Mutex
	capacity  int
	ttl       time.Duration
	now       func() time.Time
	render    func(code string) ([]byte, error)
}

var (
	hits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qr_cache_hits_total",
		Help: "Total number of QR cache hits",
	})
	misses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qr_cache_misses_total",
		Help: "Total number of QR cache misses",
	})
	size = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qr_cache_size",
		Help: "Current size of the QR cache",
	})
)

func NewCache(capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		items:     make(map[string]*list.Element),
		evictList: list.New(),
		capacity:  capacity,
		ttl:       defaultTTL,
		now:       time.Now,
		render: func(code string) ([]byte, error) {
			return qrcode.Encode(code, qrcode.Medium, qrImageSize)
		},
	}
}

// DataURL returns the pairing code as a PNG data URL, rendering it on a miss.
func (c *Cache) DataURL(code string) (string, error) {
	if code == "" {
		return "", nil
	}
	if url, ok := c.get(code); ok {
		return url, nil
	}

	png, err := c.render(code)
	if err != nil {
		return "", err
	}
	url := "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	c.set(code, url)
	return url, nil
}

func (c *Cache) get(key string) (string, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if element, exists := c.items[key]; exists {
		entry := element.Value.(*cacheEntry)
		if c.now().Sub(entry.Timestamp) > c.ttl {
			c.evictElement(element)
			misses.Inc()
			return "", false
		}
		c.evictList.MoveToFront(element)
		hits.Inc()
		return entry.Value, true
	}

	misses.Inc()
	return "", false
}

func (c *Cache) set(key, value string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if element, exists := c.items[key]; exists {
		c.evictList.MoveToFront(element)
		entry := element.Value.(*cacheEntry)
		entry.Value = value
		entry.Timestamp = c.now()
		return
	}

	element := c.evictList.PushFront(&cacheEntry{Key: key, Value: value, Timestamp: c.now()})
	c.items[key] = element
	size.Inc()

	if c.evictList.Len() > c.capacity {
		if oldest := c.evictList.Back(); oldest != nil {
			c.evictElement(oldest)
		}
	}
}

func (c *Cache) evictElement(element *list.Element) {
	c.evictList.Remove(element)
	entry := element.Value.(*cacheEntry)
	delete(c.items, entry.Key)
	size.Dec()
}

func (c *Cache) Size() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.evictList.Len()
}
