package config

import "fmt"

// FieldError 提供字段路径与错误原因，便于 CLI 向用户反馈。
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}

// linkField 拼接 Link 级字段路径，输出 Link[id].Field 形式。
func linkField(id, field string) string {
	if id == "" {
		return fmt.Sprintf("Link[].%s", field)
	}
	return fmt.Sprintf("Link[%s].%s", id, field)
}
