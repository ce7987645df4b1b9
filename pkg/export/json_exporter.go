package export

import (
	"encoding/json"
	"fmt"
	"time"
)

// JSONExporter renders records as an indented JSON document.
type JSONExporter struct {
	now func() time.Time
}

// NewJSONExporter builds a JSON exporter.
func NewJSONExporter() *JSONExporter {
	return &JSONExporter{now: time.Now}
}

type jsonDocument struct {
	ExportedAt time.Time   `json:"exportedAt"`
	Count      int         `json:"count"`
	Records    interface{} `json:"records"`
}

// Render wraps records with export metadata. count is reported verbatim.
func (e *JSONExporter) Render(records interface{}, count int) ([]byte, error) {
	doc := jsonDocument{ExportedAt: e.now().UTC(), Count: count, Records: records}
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render json: %w", err)
	}
	return payload, nil
}
