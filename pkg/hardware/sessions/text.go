package sessions

import "strings"

const (
	fullWidthPunctuations = "！＂＃＄％＆＇（）＊＋，－。／：；＜＝＞？＠［＼］＾＿｀｛｜｝～、“”‘’《》【】…"
	halfWidthPunctuations = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"
)

// RemovePunctuationAndLength 去掉全角/半角标点和空格，返回字符数和结果。
// ASR 对噪音常识别出 "Yeah"，按空文本处理
func RemovePunctuationAndLength(text string) (int, string) {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r == ' ' || r == '　' {
			continue
		}
		if strings.ContainsRune(fullWidthPunctuations, r) || strings.ContainsRune(halfWidthPunctuations, r) {
			continue
		}
		b.WriteRune(r)
	}
	result := b.String()
	if result == "Yeah" {
		return 0, ""
	}
	return len([]rune(result)), result
}

// WakeupWords 唤醒词集合，精确匹配
type WakeupWords map[string]struct{}

func NewWakeupWords(words []string) WakeupWords {
	set := make(WakeupWords, len(words))
	for _, w := range words {
		if w = strings.TrimSpace(w); w != "" {
			set[w] = struct{}{}
		}
	}
	return set
}

func (w WakeupWords) Contains(text string) bool {
	_, ok := w[text]
	return ok
}
