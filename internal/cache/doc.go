// Package cache owns the on-disk half of the static file cache: the Mapper
// that turns a public URL into {root}/{scheme}/{host}/{port}/{path}[/index.html],
// and the Store that writes the plain body, its gzip variant and the per
// directory access-control descriptor (temp file + rename, per-path locks).
// The request fast path and the cache backend share the same Mapper so a
// cached page can be found without consulting the tag index. Higher layers
// decide when files are written or removed; nothing else touches the cache
// root directly.
package cache
