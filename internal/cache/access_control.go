package cache

import (
	"bytes"
	"text/template"
	"time"
)

// ExpiryMode 决定描述文件中过期时间的基准。
type ExpiryMode string

const (
	ExpiryAbsolute     ExpiryMode = "absolute"
	ExpiryModification ExpiryMode = "modification"
)

// AccessControl 描述一个缓存目录的 HTTP 缓存头与过期后重定向策略。
type AccessControl struct {
	Identifier          string
	URL                 string
	Mode                ExpiryMode
	Lifetime            time.Duration
	ExpiresAt           time.Time
	SendCacheControl    bool
	RedirectAfterExpiry bool
}

var descriptorTemplate = template.Must(template.New("htaccess").Parse(`# sfc access control descriptor
# identifier: {{ .Identifier }}
# source: {{ .URL }}
<IfModule mod_expires.c>
	ExpiresActive on
	ExpiresByType text/html {{ .Prefix }}{{ .Seconds }}
</IfModule>
{{- if .SendCacheControl }}
<IfModule mod_headers.c>
	Header set Cache-Control "public, max-age={{ .Seconds }}"
	Header set X-SFC-State "StaticFileCache - via htaccess"
</IfModule>
{{- end }}
{{- if .RedirectAfterExpiry }}
<IfModule mod_rewrite.c>
	RewriteEngine on
	RewriteCond %{TIME} >{{ .ExpiresStamp }}
	RewriteRule ^(.*)$ /$1?sfc_expired=1 [R=307,L]
</IfModule>
{{- end }}
`))

type descriptorView struct {
	AccessControl
	Prefix       string
	Seconds      int64
	ExpiresStamp string
}

// Render 生成描述文件内容。
func (a AccessControl) Render() ([]byte, error) {
	view := descriptorView{
		AccessControl: a,
		Prefix:        "A",
		Seconds:       int64(a.Lifetime / time.Second),

		// %{TIME} 是 Apache 进程的本地时间
		ExpiresStamp: a.ExpiresAt.Local().Format("20060102150405"),
	}
	if a.Mode == ExpiryModification {
		view.Prefix = "M"
	}
	if view.Seconds < 0 {
		view.Seconds = 0
	}

	var buf bytes.Buffer
	if err := descriptorTemplate.Execute(&buf, view); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
