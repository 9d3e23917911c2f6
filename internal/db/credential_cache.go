package db

import (
	"sync"
	"time"

	"github.com/pysugar/bililink/internal/db/models"
)

// credentialCache keeps recently read credentials by account id. Entries
// older than ttl are dropped on read; every write through CredentialStore
// invalidates the affected account. Each invalidation bumps gen, and a
// read that started before the bump may not fill the cache.
type credentialCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	gen     uint64
	entries map[int64]cachedCredential
}

type cachedCredential struct {
	cred     models.Credential
	loadedAt time.Time
}

func newCredentialCache(ttl time.Duration) *credentialCache {
	return &credentialCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[int64]cachedCredential),
	}
}

func (c *credentialCache) get(accountID int64) (*models.Credential, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.RLock()
	entry, ok := c.entries[accountID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.loadedAt) >= c.ttl {
		c.mu.Lock()
		if cur, ok := c.entries[accountID]; ok && cur.loadedAt.Equal(entry.loadedAt) {
			delete(c.entries, accountID)
		}
		c.mu.Unlock()
		return nil, false
	}
	return cloneCredential(&entry.cred), true
}

// generation is taken before reading the database and handed back to put.
func (c *credentialCache) generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// put stores cred unless an invalidation happened since gen was taken.
func (c *credentialCache) put(cred *models.Credential, gen uint64) {
	if c.ttl <= 0 || cred == nil || cred.ExternalAccountID == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}
	c.entries[*cred.ExternalAccountID] = cachedCredential{cred: *cloneCredential(cred), loadedAt: c.now()}
}

func (c *credentialCache) invalidate(accountID int64) {
	c.mu.Lock()
	c.gen++
	delete(c.entries, accountID)
	c.mu.Unlock()
}

// cloneCredential copies c including its pointer fields, so cached entries
// never alias a caller's struct.
func cloneCredential(c *models.Credential) *models.Credential {
	out := *c
	if c.ExternalAccountID != nil {
		v := *c.ExternalAccountID
		out.ExternalAccountID = &v
	}
	out.CookieExpiresAt = cloneTime(c.CookieExpiresAt)
	out.ExpiredAt = cloneTime(c.ExpiredAt)
	out.LastUsedAt = cloneTime(c.LastUsedAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
