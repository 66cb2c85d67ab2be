package trees

import (
	"strings"
	"sync/atomic"

	"github.com/armon/go-radix"
)

// URLIndexStats tracks lookups served by a snapshot's URL index.
type URLIndexStats struct {
	TotalURLs     int
	URLLookups    int64
	PrefixLookups int64
}

// urlIndex maps resolved page URLs to node positions using a compressed trie,
// so exact lookups cost O(k) in the URL length and whole sections can be
// walked by prefix.
type urlIndex struct {
	tree          *radix.Tree
	lookups       atomic.Int64
	prefixLookups atomic.Int64
}

func newURLIndex() *urlIndex {
	return &urlIndex{tree: radix.New()}
}

// clone copies the trie. Counters start from zero in the copy.
func (u *urlIndex) clone() *urlIndex {
	return &urlIndex{tree: radix.NewFromMap(u.tree.ToMap())}
}

func (u *urlIndex) insert(url string, pos int) bool {
	_, updated := u.tree.Insert(normalizeURL(url), pos)
	return updated
}

func (u *urlIndex) lookup(url string) (int, bool) {
	u.lookups.Add(1)
	return u.get(url)
}

// get is lookup without touching the counters, for internal bookkeeping.
func (u *urlIndex) get(url string) (int, bool) {
	value, found := u.tree.Get(normalizeURL(url))
	if !found {
		return NoPosition, false
	}
	return value.(int), true
}

func (u *urlIndex) remove(url string) bool {
	_, deleted := u.tree.Delete(normalizeURL(url))
	return deleted
}

// walkPrefix visits every URL under prefix in lexical order until fn returns true.
func (u *urlIndex) walkPrefix(prefix string, fn func(url string, pos int) bool) {
	u.prefixLookups.Add(1)

	u.tree.WalkPrefix(normalizeURL(prefix), func(key string, value interface{}) bool {
		pos, ok := value.(int)
		if !ok {
			return false
		}
		return fn(key, pos)
	})
}

func (u *urlIndex) len() int {
	return u.tree.Len()
}

func (u *urlIndex) stats() URLIndexStats {
	return URLIndexStats{
		TotalURLs:     u.tree.Len(),
		URLLookups:    u.lookups.Load(),
		PrefixLookups: u.prefixLookups.Load(),
	}
}

// normalizeURL brings request-style URLs ("/products/widgets") into the
// stored form ("products/widgets/"). The empty string stays empty.
func normalizeURL(url string) string {
	url = strings.ReplaceAll(url, "\\", "/")
	url = strings.Trim(url, "/")
	if url == "" {
		return ""
	}
	return url + "/"
}
