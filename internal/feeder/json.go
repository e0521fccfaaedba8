package feeder

import (
	"fmt"
	"os"

	"github.com/tidwall/gjson"
)

// ReadJSON loads a JSON array of flat objects. Values keep their JSON text,
// so 1e6 stays "1e6" and nested values are kept as raw JSON.
func ReadJSON(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open JSON file: %w", err)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("decode JSON: %s is not valid JSON", path)
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsArray() {
		return nil, fmt.Errorf("decode JSON: expected an array of objects")
	}

	items := doc.Array()
	if len(items) == 0 {
		return nil, fmt.Errorf("JSON file contains empty array")
	}
	records := make([]Record, 0, len(items))
	for i, item := range items {
		if !item.IsObject() {
			return nil, fmt.Errorf("record %d is not an object", i)
		}
		record := make(Record)
		item.ForEach(func(key, value gjson.Result) bool {
			if value.Type == gjson.String {
				record[key.String()] = value.String()
			} else {
				record[key.String()] = value.Raw
			}
			return true
		})
		if len(record) == 0 {
			return nil, fmt.Errorf("record %d is empty", i)
		}
		records = append(records, record)
	}
	return records, nil
}
