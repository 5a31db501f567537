package layout

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// Entry はルートディレクトリ内のレイアウトファイル
type Entry struct {
	Identifier string    `json:"id"`
	Size       int64     `json:"size"`
	ModTime    time.Time `json:"mod_time"`
}

const listKey = "list"

// Catalog はルートディレクトリのレイアウトファイル一覧を提供する
//
// 一覧は ttl の間キャッシュし、同時のスキャン要求はひとつにまとめる。
type Catalog struct {
	root  string
	ttl   time.Duration
	cache *cache.Cache
	group singleflight.Group
}

// NewCatalog は新しい Catalog を作成する
func NewCatalog(root string, ttl time.Duration) *Catalog {
	return &Catalog{
		root:  root,
		ttl:   ttl,
		cache: cache.New(ttl, 2*ttl+time.Second),
	}
}

// List はレイアウトファイル一覧を識別子順で返す
func (c *Catalog) List(ctx context.Context) ([]Entry, error) {
	if c.ttl > 0 {
		if v, found := c.cache.Get(listKey); found {
			if entries, ok := v.([]Entry); ok {
				return entries, nil
			}
		}
	}

	// まとめたスキャンは最初の要求のキャンセルを引き継がない
	scanCtx := context.WithoutCancel(ctx)
	v, err, _ := c.group.Do(listKey, func() (interface{}, error) {
		entries, err := c.scan(scanCtx)
		if err != nil {
			return nil, err
		}
		if c.ttl > 0 {
			c.cache.Set(listKey, entries, c.ttl)
		}
		return entries, nil
	})
	if err != nil {
		return nil, err
	}

	return v.([]Entry), nil
}

// Invalidate はキャッシュした一覧を破棄する
func (c *Catalog) Invalidate() {
	c.cache.Delete(listKey)
}

// Exists は識別子に対応するファイルが存在するか確認する
func (c *Catalog) Exists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("ファイル情報の取得に失敗: %w", err)
	}
	return info.Mode().IsRegular(), nil
}

// scan はルートディレクトリの *.gds を検索する
func (c *Catalog) scan(ctx context.Context) ([]Entry, error) {
	matches, err := filepath.Glob(filepath.Join(c.root, "*"+Extension))
	if err != nil {
		return nil, fmt.Errorf("レイアウトのスキャンに失敗: %w", err)
	}

	entries := make([]Entry, 0, len(matches))
	for _, match := range matches {
		// コンテキストのキャンセルをチェック
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		info, err := os.Stat(match)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}

		entries = append(entries, Entry{
			Identifier: Identifier(filepath.Base(match)),
			Size:       info.Size(),
			ModTime:    info.ModTime(),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Identifier < entries[j].Identifier
	})

	return entries, nil
}
