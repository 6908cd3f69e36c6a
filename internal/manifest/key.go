package manifest

import "strings"

const versionMarker = "?v="

// StoredKey 将缓存条目的 URL 还原为逻辑键：去掉 origin + "/"，空串视为 RootKey。
// 用于 activate 对账与 downloadOffline 的差集计算。
func StoredKey(origin, url string) string {
	key := stripOrigin(origin, url)
	if key == "" {
		return RootKey
	}
	return key
}

// RequestKey 计算拦截请求的逻辑键：去掉 origin + "/"，在第一个 "?v=" 处截断，
// 并将 origin 本身、origin + "/#..." 以及空串归一为 RootKey。
//
// "/#" 规则会把任何客户端路由片段都当作入口文档，对任意 query/fragment 组合
// 可能误判，这里保持原有行为不做修正。
func RequestKey(origin, url string) string {
	key := stripOrigin(origin, url)
	if idx := strings.Index(key, versionMarker); idx != -1 {
		key = key[:idx]
	}
	if url == origin || strings.HasPrefix(url, origin+"/#") || key == "" {
		return RootKey
	}
	return key
}

// URLFor 根据逻辑键拼出 origin 下的绝对 URL，RootKey 对应 origin + "/"。
func URLFor(origin, key string) string {
	if key == RootKey {
		return origin + "/"
	}
	return origin + "/" + key
}

// stripOrigin 按长度去掉 origin 与紧随的分隔符，不校验前缀内容；URL 不长于该前缀时返回空串。
func stripOrigin(origin, url string) string {
	cut := len(origin) + 1
	if len(url) <= cut {
		return ""
	}
	return url[cut:]
}
