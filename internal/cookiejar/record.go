package cookiejar

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"bradypod/pkg/model"

	"github.com/tidwall/gjson"
)

// ExpiresLayout 松散记录中 expires 字段的字符串格式（去掉 " GMT" 后缀）
const ExpiresLayout = "Mon, 02 Jan 2006 15:04:05"

var ErrMissingNameValue = errors.New("cookie must have name and value")

// Record 松散类型的 Cookie 记录，来自 JSON 或脚本
type Record map[string]any

// ParseRecords 解析 JSON 数组形式的 Cookie 数据
func ParseRecords(raw string) ([]Record, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if !gjson.Valid(raw) {
		return nil, fmt.Errorf("cookie data: invalid json")
	}
	root := gjson.Parse(raw)
	if !root.IsArray() {
		return nil, fmt.Errorf("cookie data: expected a JSON array")
	}
	var out []Record
	for _, item := range root.Array() {
		m, ok := item.Value().(map[string]any)
		if !ok {
			continue
		}
		out = append(out, Record(m))
	}
	return out, nil
}

// ToCookie 将松散记录转换为 Cookie；缺少 name/value 时返回错误。
// 过期时间无法解析时返回会话 Cookie 与 ok=false 的 expiresValid
func (r Record) ToCookie() (c model.Cookie, expiresValid bool, err error) {
	name, _ := r["name"].(string)
	value, hasValue := r["value"]
	if name == "" || !hasValue || value == nil {
		return c, false, ErrMissingNameValue
	}
	c.Name = name
	c.Value = fmt.Sprint(value)
	c.Domain = r.str("domain")
	c.Path = r.str("path")
	c.HTTPOnly = r.boolean("httponly") || r.boolean("httpOnly")
	c.Secure = r.boolean("secure")

	expires, ok := r["expires"]
	if !ok || expires == nil {
		expires, ok = r["expiry"]
	}
	if !ok || expires == nil {
		return c, true, nil
	}
	t, valid := parseExpires(expires)
	if valid {
		c.Expires = &t
	}
	return c, valid, nil
}

// AddRecord 添加一条松散记录
func (j *Jar) AddRecord(r Record, rawURL string) bool {
	c, expiresValid, err := r.ToCookie()
	if err != nil {
		j.log.Warn("Cookie 记录无效", "error", err)
		return false
	}
	if !expiresValid {
		j.log.Warn("Cookie 过期时间无法解析，按会话 Cookie 处理", "name", c.Name)
	}
	return j.Add(c, rawURL)
}

// AddRecords 倒序添加一组记录，至少成功一条时返回 true
func (j *Jar) AddRecords(records []Record, rawURL string) bool {
	added := false
	for i := len(records) - 1; i >= 0; i-- {
		if j.AddRecord(records[i], rawURL) {
			added = true
		}
	}
	return added
}

// SetRecords 清空后写入一组记录
func (j *Jar) SetRecords(records []Record) bool {
	j.Clear()
	return j.AddRecords(records, "")
}

// SetSimple 解析 "a=b; c=d" 形式的字符串并写入页面 URL 作用域
func (j *Jar) SetSimple(raw, pageURL string) bool {
	u, err := url.Parse(pageURL)
	if err != nil {
		return false
	}
	var list []model.Cookie
	for _, pair := range strings.Split(raw, ";") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) != 2 || strings.TrimSpace(kv[0]) == "" {
			continue
		}
		list = append(list, model.Cookie{Name: strings.TrimSpace(kv[0]), Value: strings.TrimSpace(kv[1])})
	}
	return j.SetAll(list, u)
}

// ToRecords 导出为松散记录，url 为空时导出全部
func (j *Jar) ToRecords(rawURL string) []Record {
	list := j.Cookies(rawURL)
	out := make([]Record, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		out = append(out, ToRecord(list[i]))
	}
	return out
}

// ToRecord 单个 Cookie 转换为松散记录
func ToRecord(c model.Cookie) Record {
	path := c.Path
	if path == "" {
		path = "/"
	}
	r := Record{
		"domain":   c.Domain,
		"name":     c.Name,
		"value":    c.Value,
		"path":     path,
		"httponly": c.HTTPOnly,
		"secure":   c.Secure,
	}
	if c.Expires != nil {
		r["expires"] = c.Expires.UTC().Format(ExpiresLayout) + " GMT"
		r["expiry"] = c.Expires.Unix()
	}
	return r
}

func (r Record) str(key string) string {
	s, _ := r[key].(string)
	return s
}

func (r Record) boolean(key string) bool {
	switch v := r[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	case float64:
		return v != 0
	}
	return false
}

func parseExpires(v any) (time.Time, bool) {
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(x), "GMT"))
		for _, layout := range []string{ExpiresLayout, time.RFC3339, "Mon, 02-Jan-2006 15:04:05"} {
			if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return t, true
			}
		}
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(x)).UTC(), true
	case int64:
		return time.UnixMilli(x).UTC(), true
	case int:
		return time.UnixMilli(int64(x)).UTC(), true
	}
	return time.Time{}, false
}
