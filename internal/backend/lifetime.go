package backend

import "time"

// UnsetLifetime 表示调用方未指定缓存时长，使用默认值。
const UnsetLifetime time.Duration = -1

// LifetimePolicy 把调用方给出的时长收敛到配置允许的范围，并提供可注入的时钟。
type LifetimePolicy struct {
	Default time.Duration
	Maximum time.Duration
	now     func() time.Time
}

// NewLifetimePolicy 构造策略，默认使用 time.Now 作为时钟。
func NewLifetimePolicy(def, max time.Duration) LifetimePolicy {
	if max <= 0 {
		max = def
	}
	return LifetimePolicy{Default: def, Maximum: max, now: time.Now}
}

// Resolve 返回真实生效的时长：未指定使用默认值，0 或超出上限取上限。
func (p LifetimePolicy) Resolve(requested time.Duration) time.Duration {
	if requested < 0 {
		requested = p.Default
	}
	if requested == 0 || requested > p.Maximum {
		return p.Maximum
	}
	return requested
}

// Window 返回以当前时刻为起点的写入时间与过期时间。
func (p LifetimePolicy) Window(lifetime time.Duration) (created, expires time.Time) {
	created = p.Now()
	return created, created.Add(lifetime)
}

// Now 返回策略时钟的当前时间。
func (p LifetimePolicy) Now() time.Time {
	if p.now == nil {
		return time.Now()
	}
	return p.now()
}

// WithClock 返回替换了时钟的策略副本。
func (p LifetimePolicy) WithClock(clock func() time.Time) LifetimePolicy {
	p.now = clock
	return p
}
