package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// Fingerprint 计算规范化代码片段的内容指纹。
// 规范化规则：去掉行首尾空白、丢弃空行、折叠行内连续空白，
// 使得仅缩进或空行不同的片段得到相同指纹。
func Fingerprint(fragment string) string {
	var b strings.Builder
	for _, line := range strings.Split(fragment, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		prevSpace := false
		for _, r := range line {
			if unicode.IsSpace(r) {
				prevSpace = true
				continue
			}
			if prevSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			prevSpace = false
			b.WriteRune(r)
		}
		b.WriteByte('\n')
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Signature 从代码片段派生一个简单的结构特征向量，
// 供未自带特征向量的 Worker 使用：
// [行数, 平均行长, 缩进深度均值, 分支关键字密度, 标点密度]
func Signature(fragment string) []float64 {
	lines := strings.Split(fragment, "\n")

	var nonEmpty, totalLen, indentSum, branches, punct float64
	for _, line := range lines {
		trimmed := strings.TrimLeft(line, " \t")
		if strings.TrimSpace(line) == "" {
			continue
		}
		nonEmpty++
		totalLen += float64(len(trimmed))
		indentSum += float64(len(line) - len(trimmed))

		for _, kw := range []string{"if ", "for ", "switch ", "while ", "case "} {
			branches += float64(strings.Count(trimmed, kw))
		}
		for _, r := range trimmed {
			if unicode.IsPunct(r) || unicode.IsSymbol(r) {
				punct++
			}
		}
	}

	if nonEmpty == 0 {
		return []float64{0, 0, 0, 0, 0}
	}
	return []float64{
		nonEmpty,
		totalLen / nonEmpty,
		indentSum / nonEmpty,
		branches / nonEmpty,
		punct / totalLen,
	}
}
