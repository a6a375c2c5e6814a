// Package platform holds the identity metadata for every supported social
// platform: canonical tags, the numeric codes used by the HTTP API, display
// names, and the account-key scheme shared by the custodian, scheduler and
// stores.
package platform

import (
	"fmt"
	"strings"
)

// Platform identifies a supported social platform by its canonical tag.
type Platform string

const (
	Xiaohongshu Platform = "xiaohongshu"
	WeChat      Platform = "wechat"
	Douyin      Platform = "douyin"
	Kuaishou    Platform = "kuaishou"
)

// All returns every supported platform in registration order.
func All() []Platform {
	return []Platform{Xiaohongshu, WeChat, Douyin, Kuaishou}
}

// IsValid reports whether p names a supported platform.
func (p Platform) IsValid() bool {
	switch p {
	case Xiaohongshu, WeChat, Douyin, Kuaishou:
		return true
	}
	return false
}

func (p Platform) String() string {
	return string(p)
}

// Code returns the numeric platform code used by the upload and validation
// APIs. Zero means unsupported.
func (p Platform) Code() int {
	switch p {
	case Xiaohongshu:
		return 1
	case WeChat:
		return 2
	case Douyin:
		return 3
	case Kuaishou:
		return 4
	}
	return 0
}

// DisplayName returns the operator-facing platform name.
func (p Platform) DisplayName() string {
	switch p {
	case Xiaohongshu:
		return "小红书"
	case WeChat:
		return "视频号"
	case Douyin:
		return "抖音"
	case Kuaishou:
		return "快手"
	}
	return string(p)
}

// FromCode resolves a numeric API code to a platform.
func FromCode(code int) (Platform, error) {
	switch code {
	case 1:
		return Xiaohongshu, nil
	case 2:
		return WeChat, nil
	case 3:
		return Douyin, nil
	case 4:
		return Kuaishou, nil
	}
	return "", fmt.Errorf("unknown platform code %d", code)
}

// Parse resolves either a canonical tag or a numeric code string.
func Parse(s string) (Platform, error) {
	tag := Platform(strings.ToLower(strings.TrimSpace(s)))
	if tag.IsValid() {
		return tag, nil
	}
	switch strings.TrimSpace(s) {
	case "1":
		return Xiaohongshu, nil
	case "2":
		return WeChat, nil
	case "3":
		return Douyin, nil
	case "4":
		return Kuaishou, nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// AccountKey builds the canonical per-account identity used across the
// custodian, scheduler and message stores.
func AccountKey(p Platform, accountID string) string {
	return string(p) + "_" + accountID
}

// SplitAccountKey reverses AccountKey. Account ids may themselves contain
// underscores, so only the first separator counts.
func SplitAccountKey(key string) (Platform, string, error) {
	idx := strings.Index(key, "_")
	if idx <= 0 || idx == len(key)-1 {
		return "", "", fmt.Errorf("malformed account key %q", key)
	}
	p := Platform(key[:idx])
	if !p.IsValid() {
		return "", "", fmt.Errorf("account key %q names unknown platform %q", key, key[:idx])
	}
	return p, key[idx+1:], nil
}
