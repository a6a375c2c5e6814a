package platform

import "testing"

func TestCodeRoundTrip(t *testing.T) {
	for _, p := range All() {
		got, err := FromCode(p.Code())
		if err != nil {
			t.Fatalf("FromCode(%d): %v", p.Code(), err)
		}
		if got != p {
			t.Fatalf("FromCode(Code(%s)) = %s", p, got)
		}
	}
	if _, err := FromCode(9); err == nil {
		t.Fatalf("expected error for unknown code")
	}
}

func TestParseAcceptsTagsAndCodes(t *testing.T) {
	cases := map[string]Platform{
		"xiaohongshu": Xiaohongshu,
		"WECHAT":      WeChat,
		" douyin ":    Douyin,
		"4":           Kuaishou,
		"1":           Xiaohongshu,
	}
	for in, want := range cases {
		got, err := Parse(in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("Parse(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := Parse("weibo"); err == nil {
		t.Fatalf("expected error for unsupported platform")
	}
}

func TestAccountKeySplitKeepsUnderscoresInID(t *testing.T) {
	key := AccountKey(Douyin, "user_42_a")
	if key != "douyin_user_42_a" {
		t.Fatalf("unexpected key %q", key)
	}

	p, id, err := SplitAccountKey(key)
	if err != nil {
		t.Fatalf("SplitAccountKey: %v", err)
	}
	if p != Douyin || id != "user_42_a" {
		t.Fatalf("got (%s, %q)", p, id)
	}
}

func TestSplitAccountKeyRejectsMalformedKeys(t *testing.T) {
	for _, key := range []string{"", "douyin", "douyin_", "_42", "weibo_42"} {
		if _, _, err := SplitAccountKey(key); err == nil {
			t.Fatalf("expected error for %q", key)
		}
	}
}

func TestDisplayNames(t *testing.T) {
	if WeChat.DisplayName() != "视频号" {
		t.Fatalf("unexpected display name %q", WeChat.DisplayName())
	}
	if Platform("weibo").DisplayName() != "weibo" {
		t.Fatalf("unknown platforms fall back to their tag")
	}
}

func TestDefaultEndpointsCoverAllPlatforms(t *testing.T) {
	for _, p := range All() {
		eps := DefaultEndpoints(p)
		if eps.Creator == "" || eps.Message == "" || eps.Upload == "" || eps.Login == "" {
			t.Fatalf("platform %s missing default endpoints: %+v", p, eps)
		}
	}
}
