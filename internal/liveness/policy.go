package liveness

import "time"

// Policy 根据 TTL 判断已存储的快照能否直接复用，避免重复探测。
type Policy struct {
	ttl time.Duration
	now func() time.Time
}

// NewPolicy 构造 TTL 策略；ttl<=0 时退回 DefaultTTL。
func NewPolicy(ttl time.Duration, now func() time.Time) Policy {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return Policy{ttl: ttl, now: now}
}

// TTL 返回生效的 TTL。
func (p Policy) TTL() time.Duration {
	return p.ttl
}

// ShouldBypassVerification 在快照仍处于 TTL 内且与当前链接列表一致时返回 true。
func (p Policy) ShouldBypassVerification(snapshot Snapshot, links []Link) bool {
	if !snapshot.Verified() {
		return false
	}
	if !matchesLinks(snapshot, links) {
		return false
	}
	return p.now().Sub(snapshot.VerifiedAt) < p.ttl
}

// matchesLinks 要求快照与配置的链接数量、ID 与顺序完全一致。
func matchesLinks(snapshot Snapshot, links []Link) bool {
	if len(snapshot.Links) != len(links) {
		return false
	}
	for i, link := range links {
		if snapshot.Links[i].ID != link.ID {
			return false
		}
	}
	return true
}
