package liveness

import "time"

// SnapshotKey 是快照在 KV 存储中的键。
const SnapshotKey = "liveness/snapshot"

// DefaultTTL 是快照无需重新校验的默认时长。
const DefaultTTL = 24 * time.Hour

// Source 标识快照来自本次校验还是本地缓存。
type Source string

const (
	SourceLive  Source = "live"
	SourceCache Source = "cache"
)

// Link 是一条被监控的外部链接，ID 在列表内唯一。
type Link struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// LinkStatus 是单条链接的检查结果。CheckedStatus 为 nil 表示 HEAD 与 GET 都失败。
type LinkStatus struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	URL           string `json:"url"`
	CheckedStatus *int   `json:"checkedStatus"`
	LastModified  string `json:"lastModified,omitempty"`
}

// Reachable 表示链接返回了非错误状态码。
func (s LinkStatus) Reachable() bool {
	return s.CheckedStatus != nil && *s.CheckedStatus < 400
}

// Snapshot 是一次完整校验的结果，整体替换，不做局部更新。
type Snapshot struct {
	VerifiedAt time.Time    `json:"verifiedAt"`
	Links      []LinkStatus `json:"links"`
	Source     Source       `json:"source"`

	// Degraded 记录被吞掉的失败原因（回退或写入失败），正常路径为空。
	Degraded string `json:"degraded,omitempty"`
}

// Verified 表示快照至少经历过一次真实校验；合成的全失败快照返回 false。
func (s Snapshot) Verified() bool {
	return !s.VerifiedAt.IsZero()
}

// Unreachable 统计不可达链接数。
func (s Snapshot) Unreachable() int {
	n := 0
	for _, link := range s.Links {
		if !link.Reachable() {
			n++
		}
	}
	return n
}

func unchecked(link Link) LinkStatus {
	return LinkStatus{ID: link.ID, Title: link.Title, URL: link.URL}
}
