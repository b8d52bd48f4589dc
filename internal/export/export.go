package export

import (
	"fmt"
	"io"
	"os"

	"bradypod/internal/cookiejar"
	"bradypod/pkg/model"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Build 组装页面加载记录：{url, data.<id>.{request,response}, cookiejar, page_content}
func Build(res *model.PageResult) ([]byte, error) {
	out := []byte(`{"data":{}}`)
	var err error
	if out, err = sjson.SetBytes(out, "url", res.URL); err != nil {
		return nil, err
	}

	for _, rec := range res.Trace {
		// 冒号前缀强制把数字当作对象键
		base := "data.:" + rec.ID.String()
		if out, err = sjson.SetRawBytes(out, base, []byte(`{}`)); err != nil {
			return nil, err
		}
		if rec.Request != nil {
			if out, err = sjson.SetBytes(out, base+".request", rec.Request); err != nil {
				return nil, fmt.Errorf("export request %s: %w", rec.ID, err)
			}
		}
		resp := rec.Response
		if resp == nil {
			resp = rec.Progress
		}
		if resp != nil {
			if out, err = sjson.SetBytes(out, base+".response", resp); err != nil {
				return nil, fmt.Errorf("export response %s: %w", rec.ID, err)
			}
		}
	}

	records := make([]cookiejar.Record, 0, len(res.Cookies))
	for _, c := range res.Cookies {
		records = append(records, cookiejar.ToRecord(c))
	}
	if out, err = sjson.SetBytes(out, "cookiejar", records); err != nil {
		return nil, err
	}
	return sjson.SetBytes(out, "page_content", res.PageContent)
}

// Format 按输出格式排版，pretty 为缩进格式
func Format(data []byte, format string) []byte {
	if format == "pretty" {
		return []byte(gjson.GetBytes(data, "@pretty").Raw)
	}
	return data
}

// Write 写出页面记录，path 为空或 "-" 时写到 w
func Write(res *model.PageResult, path, format string, w io.Writer) error {
	data, err := Build(res)
	if err != nil {
		return err
	}
	data = Format(data, format)
	if path == "" || path == "-" {
		_, err = w.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
