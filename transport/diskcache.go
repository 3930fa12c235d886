package transport

import (
	"context"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/benbjohnson/clock"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type cachedContent struct {
	URI       string `gorm:"primaryKey"`
	Data      []byte
	FetchedAt time.Time `gorm:"index"`
}

func (cachedContent) TableName() string {
	return "contents"
}

// DiskCache is a fetcher that keeps the contents fetched by another fetcher
// in a SQLite database.
type DiskCache struct {
	fetcher Fetcher
	db      *gorm.DB
	ttl     time.Duration
	clock   clock.Clock
}

// DiskCacheOption configures a disk cache.
type DiskCacheOption func(*DiskCache)

// WithTTL sets the duration after which a cached content is fetched again.
// Cached contents never expire when the duration is 0.
func WithTTL(d time.Duration) DiskCacheOption {
	return func(c *DiskCache) {
		c.ttl = d
	}
}

// WithClock sets the clock used to expire cached contents.
func WithClock(clk clock.Clock) DiskCacheOption {
	return func(c *DiskCache) {
		c.clock = clk
	}
}

// NewDiskCache opens or creates the cache database at the given path.
func NewDiskCache(path string, fetcher Fetcher, opts ...DiskCacheOption) (*DiskCache, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.New("opening disk cache failed").
			WithTag("path", path).
			Wrap(err)
	}

	if err := db.AutoMigrate(&cachedContent{}); err != nil {
		return nil, errors.New("migrating disk cache failed").
			WithTag("path", path).
			Wrap(err)
	}

	c := &DiskCache{
		fetcher: fetcher,
		db:      db,
		clock:   clock.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *DiskCache) Fetch(ctx context.Context, uri string) ([]byte, error) {
	var content cachedContent
	err := c.db.WithContext(ctx).
		Where("uri = ?", uri).
		Limit(1).
		Find(&content).
		Error
	if err != nil {
		logs.Warn(errors.New("reading disk cache failed").
			WithTag("uri", uri).
			Wrap(err))
	}

	if content.URI != "" && !c.expired(content) {
		instrumentDiskCacheLookup(true)
		return content.Data, nil
	}
	instrumentDiskCacheLookup(false)

	data, err := c.fetcher.Fetch(ctx, uri)
	if err != nil {
		return nil, err
	}

	content = cachedContent{
		URI:       uri,
		Data:      data,
		FetchedAt: c.clock.Now(),
	}
	if err := c.db.WithContext(ctx).Save(&content).Error; err != nil {
		logs.Warn(errors.New("writing disk cache failed").
			WithTag("uri", uri).
			Wrap(err))
	}
	return data, nil
}

// Len returns the number of cached contents.
func (c *DiskCache) Len() (int, error) {
	var n int64
	err := c.db.Model(&cachedContent{}).Count(&n).Error
	return int(n), err
}

// Purge removes the expired contents.
func (c *DiskCache) Purge(ctx context.Context) (int, error) {
	if c.ttl <= 0 {
		return 0, nil
	}

	res := c.db.WithContext(ctx).
		Where("fetched_at < ?", c.clock.Now().Add(-c.ttl)).
		Delete(&cachedContent{})
	return int(res.RowsAffected), res.Error
}

// Close closes the cache database.
func (c *DiskCache) Close() error {
	db, err := c.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

func (c *DiskCache) expired(content cachedContent) bool {
	return c.ttl > 0 && c.clock.Since(content.FetchedAt) >= c.ttl
}
