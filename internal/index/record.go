package index

import (
	"errors"
	"time"
)

// ErrNotFound 表示索引中不存在该标识。
var ErrNotFound = errors.New("index record not found")

// Record 是索引中一条缓存条目的元数据，以 JSON 存放在 content 列。
type Record struct {
	URL         string   `json:"url"`
	Created     int64    `json:"created"`
	Expires     int64    `json:"expires"`
	Explanation []string `json:"explanation,omitempty"`

	// Tags 不进入 JSON，由 cache_tags 表回填。
	Tags []string `json:"-"`
}

// IsExplanation 表示该记录只说明页面为何未被静态缓存，不是真正的内容。
func (r Record) IsExplanation() bool {
	return len(r.Explanation) > 0
}

// Fresh 判断记录在 now 时刻是否仍有效（now 超过 expires 后失效）。
func (r Record) Fresh(now time.Time) bool {
	return r.Expires >= now.Unix()
}

// ExpiresAt 返回过期时间。
func (r Record) ExpiresAt() time.Time {
	return time.Unix(r.Expires, 0)
}

// CreatedAt 返回写入时间。
func (r Record) CreatedAt() time.Time {
	return time.Unix(r.Created, 0)
}
