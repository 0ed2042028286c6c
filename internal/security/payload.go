package security

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
)

// payloadScreener 负载大小与可疑内容检查
type payloadScreener struct {
	maxSize  int
	patterns []*regexp.Regexp
}

func newPayloadScreener(maxSize int, patterns []string) (*payloadScreener, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid suspicious pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return &payloadScreener{maxSize: maxSize, patterns: compiled}, nil
}

// screen 返回拒绝原因，空字符串表示通过
func (s *payloadScreener) screen(payload interface{}) string {
	var data []byte
	switch v := payload.(type) {
	case nil:
		return ""
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	case string:
		data = []byte(v)
	default:
		// 不转义 HTML 字符，保证 "<script" 之类的特征可以被匹配
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(v); err != nil {
			return ReasonMalformed
		}
		data = bytes.TrimRight(buf.Bytes(), "\n")
	}

	if s.maxSize > 0 && len(data) > s.maxSize {
		return ReasonPayloadTooLarge
	}
	for _, re := range s.patterns {
		if re.Match(data) {
			return ReasonSuspiciousContent
		}
	}
	return ""
}
