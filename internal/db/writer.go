package db

import (
	"context"
	"errors"
	"sync"

	"github.com/pysugar/bililink/internal/apperr"
	"gorm.io/gorm"
)

var (
	ErrNotFound = errors.New("record not found")
)

// Writer is the single write path into the database. SQLite accepts one
// writer at a time, so every store funnels its mutations through Write and
// each call runs as one transaction. Reads go straight to the *gorm.DB.
type Writer struct {
	db *gorm.DB
	mu sync.Mutex
}

func NewWriter(db *gorm.DB) *Writer {
	return &Writer{db: db}
}

// Write runs fn inside a transaction while holding the global write lock.
// fn must only use tx; touching the outer *gorm.DB from inside fn can
// deadlock on a single-connection database.
func (w *Writer) Write(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.db.WithContext(ctx).Transaction(fn)
}

// storageErr tags err as STORAGE_ERROR unless it is a not-found miss.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	var tagged *apperr.Error
	if errors.As(err, &tagged) {
		return err
	}
	return apperr.New(apperr.KindStorage, op, err)
}
