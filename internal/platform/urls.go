package platform

// Endpoints carries the well-known entry URLs for a platform's creator
// tooling. Script manifests may override any of them; these are the shipped
// defaults.
type Endpoints struct {
	Creator string // creator-center home, used for validation probes
	Upload  string // video publish page
	Message string // private-message workspace
	Login   string // login / QR page
}

var defaultEndpoints = map[Platform]Endpoints{
	Xiaohongshu: {
		Creator: "https://creator.xiaohongshu.com",
		Upload:  "https://creator.xiaohongshu.com/publish/publish",
		Message: "https://creator.xiaohongshu.com/im",
		Login:   "https://creator.xiaohongshu.com/login",
	},
	WeChat: {
		Creator: "https://channels.weixin.qq.com",
		Upload:  "https://channels.weixin.qq.com/platform/post/create",
		Message: "https://channels.weixin.qq.com/platform/private_msg",
		Login:   "https://channels.weixin.qq.com/login.html",
	},
	Douyin: {
		Creator: "https://creator.douyin.com",
		Upload:  "https://creator.douyin.com/creator-micro/content/upload",
		Message: "https://creator.douyin.com/creator-micro/data/im",
		Login:   "https://creator.douyin.com/login",
	},
	Kuaishou: {
		Creator: "https://cp.kuaishou.com",
		Upload:  "https://cp.kuaishou.com/article/publish/video",
		Message: "https://cp.kuaishou.com/message",
		Login:   "https://passport.kuaishou.com/pc/account/login",
	},
}

// DefaultEndpoints returns the shipped entry URLs for p. Unknown platforms
// get zero-value endpoints.
func DefaultEndpoints(p Platform) Endpoints {
	return defaultEndpoints[p]
}
