package guide

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ErrParse 表示 200 响应的正文无法解析或未通过文档校验。
var ErrParse = errors.New("guide document invalid")

// Document 是指南文档的类型化视图。持久化与对外返回的仍是原始 JSON。
type Document struct {
	Version  string    `json:"version,omitempty"`
	Title    string    `json:"title,omitempty"`
	Sections []Section `json:"sections" validate:"dive"`
	Tips     []Tip     `json:"tips" validate:"dive"`
}

// Section 对应清单中的一个分组。
type Section struct {
	ID    string `json:"id" validate:"required,max=128"`
	Title string `json:"title" validate:"required"`
	Items []Item `json:"items" validate:"dive"`
}

// Item 是分组下的一项材料。
type Item struct {
	ID          string          `json:"id" validate:"required,max=128"`
	Title       string          `json:"title" validate:"required"`
	Description string          `json:"description,omitempty"`
	Required    bool            `json:"required,omitempty"`
	Rules       json.RawMessage `json:"rules,omitempty"`
}

// Tip 是指南附带的提示文本。
type Tip struct {
	ID   string `json:"id,omitempty"`
	Text string `json:"text" validate:"required"`
}

// emptyPayload 是空文档哨兵的序列化形式。
var emptyPayload = json.RawMessage(`{"sections":[],"tips":[]}`)

// EmptyDocument 返回没有分组也没有提示的哨兵文档。
func EmptyDocument() Document {
	return Document{Sections: []Section{}, Tips: []Tip{}}
}

// ParseDocument 解析并校验原始正文；任何失败都包装为 ErrParse。
func ParseDocument(raw []byte, validate *validator.Validate) (Document, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Document{}, fmt.Errorf("%w: empty payload", ErrParse)
	}
	// null、数组等顶层值能被 Unmarshal 接受，但不是文档
	if trimmed[0] != '{' {
		return Document{}, fmt.Errorf("%w: top-level value is not an object", ErrParse)
	}
	var doc Document
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return Document{}, fmt.Errorf("%w: %w", ErrParse, err)
	}
	if validate == nil {
		validate = validator.New()
	}
	if err := validate.Struct(doc); err != nil {
		return Document{}, fmt.Errorf("%w: %w", ErrParse, err)
	}
	if err := checkUniqueIDs(doc); err != nil {
		return Document{}, err
	}
	if doc.Sections == nil {
		doc.Sections = []Section{}
	}
	if doc.Tips == nil {
		doc.Tips = []Tip{}
	}
	return doc, nil
}

// checkUniqueIDs 保证分组 id 与同组内条目 id 唯一，清单进度依赖这两级 id 定位。
func checkUniqueIDs(doc Document) error {
	sections := make(map[string]struct{}, len(doc.Sections))
	for _, section := range doc.Sections {
		if _, dup := sections[section.ID]; dup {
			return fmt.Errorf("%w: duplicate section id %q", ErrParse, section.ID)
		}
		sections[section.ID] = struct{}{}

		items := make(map[string]struct{}, len(section.Items))
		for _, item := range section.Items {
			if _, dup := items[item.ID]; dup {
				return fmt.Errorf("%w: duplicate item id %q in section %q", ErrParse, item.ID, section.ID)
			}
			items[item.ID] = struct{}{}
		}
	}
	return nil
}
