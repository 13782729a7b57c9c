package config

import "testing"

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
DefaultLifetime = "boom"

[[Site]]
Name = "main"
Domain = "www.example.com"
Origin = "http://127.0.0.1:8000"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadRejectsSiteLevelCacheOptions(t *testing.T) {
	cfg := `
StoragePath = "./data"

[[Site]]
Name = "main"
Domain = "www.example.com"
Origin = "http://127.0.0.1:8000"
BoostMode = true
`
	path := writeTempConfig(t, cfg)
	_, err := Load(path)
	if err == nil {
		t.Fatalf("站点级 BoostMode 应被拒绝")
	}
	fieldErr, ok := err.(FieldError)
	if !ok {
		t.Fatalf("期望 FieldError，得到 %T", err)
	}
	if fieldErr.Field != "Site[main].BoostMode" {
		t.Fatalf("字段路径不正确: %s", fieldErr.Field)
	}
}

func TestLoadAcceptsCommaSeparatedFileTypes(t *testing.T) {
	cfg := `
StoragePath = "./data"

[Cache]
FileTypes = "xml, json"

[[Site]]
Name = "main"
Domain = "www.example.com"
Origin = "http://127.0.0.1:8000"
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if len(loaded.Cache.FileTypes) != 2 || loaded.Cache.FileTypes[1] != "json" {
		t.Fatalf("逗号分隔的 FileTypes 应被拆分，得到 %v", loaded.Cache.FileTypes)
	}
}
