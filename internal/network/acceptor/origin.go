package acceptor

import (
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/lk2023060901/relay-hub/pkg/log"
	"github.com/lk2023060901/relay-hub/pkg/util/typeutil"
)

// originPolicy 是 WebSocket 握手的 Origin 白名单。
//
// 规则：
//   - 配置中包含 "*" 时允许任意 Origin；
//   - 请求未携带 Origin 头（非浏览器客户端）时放行；
//   - 其余情况按 scheme://host 小写比较。
type originPolicy struct {
	allowAll bool
	allowed  typeutil.Set[string]
}

func newOriginPolicy(origins []string) *originPolicy {
	p := &originPolicy{
		allowed: typeutil.NewSet[string](),
	}
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			p.allowAll = true
			continue
		}
		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			log.Warn("ignoring invalid origin in configuration", zap.String("origin", origin))
			continue
		}
		p.allowed.Insert(normalized)
	}
	if !p.allowAll {
		log.Debug("websocket origin allow-list", zap.Strings("origins", typeutil.SortedStrings(p.allowed)))
	}
	return p
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// allow 判断请求的 Origin 是否被允许。
func (p *originPolicy) allow(r *http.Request) bool {
	if p.allowAll {
		return true
	}
	header := r.Header.Get("Origin")
	if header == "" {
		return true
	}
	normalized, ok := normalizeOrigin(header)
	if !ok {
		return false
	}
	return p.allowed.Contain(normalized)
}
