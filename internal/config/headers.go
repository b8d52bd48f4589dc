package config

import (
	"fmt"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"
)

// CustomHeader 自定义请求头策略条目
// Force 为 false 时表示沿用浏览器计算出的值；为 true 时强制使用 Value
type CustomHeader struct {
	Name  string
	Value string
	Force bool
}

// CustomHeaders 按配置顺序排列的请求头策略
type CustomHeaders []CustomHeader

// UnmarshalYAML 支持字符串（沿用）与映射（强制值）混合的列表，也接受单个映射或 JSON 字符串
func (h *CustomHeaders) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		if node.Value == "" {
			*h = nil
			return nil
		}
		out, err := ParseCustomHeaders(node.Value)
		if err != nil {
			return fmt.Errorf("customHeaders: line %d: %w", node.Line, err)
		}
		*h = out
		return nil
	}
	if node.Kind == yaml.MappingNode {
		*h = forcedHeaders(node)
		return nil
	}
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("customHeaders: line %d: expected a list", node.Line)
	}
	var out CustomHeaders
	for _, item := range node.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			if item.Value != "" {
				out = append(out, CustomHeader{Name: item.Value})
			}
		case yaml.MappingNode:
			out = append(out, forcedHeaders(item)...)
		default:
			return fmt.Errorf("customHeaders: line %d: unrecognized entry", item.Line)
		}
	}
	*h = out
	return nil
}

// forcedHeaders 映射中的每个键值都是强制值
func forcedHeaders(node *yaml.Node) CustomHeaders {
	var out CustomHeaders
	for i := 0; i+1 < len(node.Content); i += 2 {
		k, v := node.Content[i], node.Content[i+1]
		if v.Kind != yaml.ScalarNode {
			continue
		}
		out = append(out, CustomHeader{Name: k.Value, Value: v.Value, Force: true})
	}
	return out
}

// ParseCustomHeaders 解析 JSON 形式的请求头策略，如 ["Referer", {"X-Test": "override"}]
func ParseCustomHeaders(raw string) (CustomHeaders, error) {
	if !gjson.Valid(raw) {
		return nil, fmt.Errorf("custom headers: invalid json")
	}
	root := gjson.Parse(raw)
	if root.IsObject() {
		root = gjson.Parse("[" + raw + "]")
	}
	if !root.IsArray() {
		return nil, fmt.Errorf("custom headers: expected a list")
	}
	var out CustomHeaders
	var err error
	root.ForEach(func(_, item gjson.Result) bool {
		switch {
		case item.Type == gjson.String:
			if item.Str != "" {
				out = append(out, CustomHeader{Name: item.Str})
			}
		case item.IsObject():
			item.ForEach(func(k, v gjson.Result) bool {
				if v.Type == gjson.String {
					out = append(out, CustomHeader{Name: k.String(), Value: v.Str, Force: true})
				}
				return true
			})
		default:
			err = fmt.Errorf("custom headers: unrecognized entry %s", item.Raw)
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
