package vulnlib

import (
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Cache keeps CVE records fetched from the directory in a local SQLite
// table so repeated lookups do not spend rate-limit budget.
type Cache struct {
	DB  *sql.DB
	TTL time.Duration
	now func() time.Time
}

func OpenCache(path string, ttl time.Duration) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	cveTable := `CREATE TABLE IF NOT EXISTS cves (
			"ID" TEXT NOT NULL PRIMARY KEY,
			"Record" TEXT NOT NULL,
			"FetchedAt" INTEGER NOT NULL);`
	if _, err = db.Exec(cveTable); err != nil {
		db.Close()
		return nil, err
	}

	return &Cache{DB: db, TTL: ttl, now: time.Now}, nil
}

// Get returns a cached record that is younger than TTL.
func (c *Cache) Get(id string) (*CVERecord, bool, error) {
	var data string
	var fetched int64

	row := c.DB.QueryRow(`SELECT "Record", "FetchedAt" FROM cves WHERE "ID" = ?`, id)
	if err := row.Scan(&data, &fetched); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}

	if c.TTL > 0 && c.clock().Sub(time.Unix(fetched, 0)) > c.TTL {
		return nil, false, nil
	}

	r := &CVERecord{}
	if err := json.Unmarshal([]byte(data), r); err != nil {
		return nil, false, err
	}

	return r, true, nil
}

func (c *Cache) Put(r CVERecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}

	_, err = c.DB.Exec(`INSERT OR REPLACE INTO cves ("ID", "Record", "FetchedAt") VALUES (?, ?, ?)`,
		r.ID, string(data), c.clock().Unix())
	return err
}

func (c *Cache) Close() error {
	return c.DB.Close()
}

func (c *Cache) clock() time.Time {
	if c.now == nil {
		return time.Now()
	}
	return c.now()
}
