package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// EntryFields 描述一个缓存条目（URL + 标识哈希），供后端与队列日志复用。
func EntryFields(action, identifier, hash string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"identifier": identifier,
		"hash":       hash,
	}
}

// RequestFields 提供站点/域名/命中状态字段，供请求日志复用。
func RequestFields(site, domain, path string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"site":      site,
		"domain":    domain,
		"path":      path,
		"cache_hit": cacheHit,
	}
}
