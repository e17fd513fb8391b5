// Package terms 计算报价条款的确定性摘要。
//
// 摘要绑定任务类型、参数、价格、币种、有效期与保证金，报价阶段与执行阶段
// 必须得到相同的值，否则执行请求会被拒绝。
package terms

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// DefaultDenom 是结算最小单位的币种名称。
const DefaultDenom = "atestfet"

// Terms 描述一次报价中的全部可协商条款。
type Terms struct {
	Task         string
	Payload      map[string]any
	Price        int64
	Denom        string
	TTL          int64
	BondRequired int64
}

// Canonical 返回条款的规范化 JSON：各层键按字典序排列、无空白、不做 HTML 转义。
func Canonical(t Terms) []byte {
	doc := map[string]any{
		"task":          t.Task,
		"payload":       normalize(t.Payload),
		"price":         t.Price,
		"denom":         t.Denom,
		"ttl":           t.TTL,
		"bond_required": t.BondRequired,
	}
	if t.Payload == nil {
		doc["payload"] = nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		// normalize 之后只剩 JSON 原生类型，这里理论上不可达。
		return []byte(fmt.Sprintf("%v", doc))
	}
	return bytes.TrimRight(buf.Bytes(), "\n")
}

// Hash 返回条款的 SHA-256 十六进制摘要。
func Hash(t Terms) string {
	sum := sha256.Sum256(Canonical(t))
	return hex.EncodeToString(sum[:])
}

// Equal 判断两个摘要是否一致。
func Equal(a, b string) bool {
	return a != "" && a == b
}

// normalize 把任意 payload 转换为只包含 JSON 原生类型的结构。
// encoding/json 对 map 键天然排序，嵌套结构经过一次往返后同样满足规范化要求。
func normalize(v any) any {
	switch val := v.(type) {
	case nil, string, bool, float64, int, int64, json.Number:
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		var decoded any
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&decoded); err != nil {
			return string(raw)
		}
		return normalize(decoded)
	}
}
