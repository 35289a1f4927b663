package models

import "encoding/json"

// SearchResponse models the CKAN datastore_search action envelope.
type SearchResponse struct {
	Success bool         `json:"success"`
	Result  SearchResult `json:"result"`
	Error   *struct {
		Message string `json:"message"`
		Type    string `json:"__type"`
	} `json:"error,omitempty"`
}

// SearchResult is one page of datastore rows.
type SearchResult struct {
	Records []Record `json:"records"`
	Total   int      `json:"total"`
}

// Record is a single parameter row from the ACHD air-quality resource.
type Record struct {
	Site        string          `json:"site"`
	Parameter   string          `json:"parameter"`
	DatetimeEST string          `json:"datetime_est"`
	ReportValue json.RawMessage `json:"report_value"`
	IsValid     any             `json:"is_valid"`
}

// ExportRecord is one combined site/hour reading as written to the export
// files and read back by the importer.
type ExportRecord struct {
	ID   int64   `json:"id"`
	T    int64   `json:"t"`
	La   float64 `json:"la"`
	Lo   float64 `json:"lo"`
	PM1  float64 `json:"pm1"`
	PM25 float64 `json:"pm25"`
	PM10 float64 `json:"pm10"`
	P0p3 float64 `json:"p0p3"`
	P0p5 float64 `json:"p0p5"`
	P1   float64 `json:"p1"`
	P2p5 float64 `json:"p2p5"`
	P5   float64 `json:"p5"`
	P10  float64 `json:"p10"`
	V    float64 `json:"v"`
	N    float64 `json:"n"`
	C    float64 `json:"c"`
	Tmp  float64 `json:"tmp"`
	RH   float64 `json:"rh"`
	Src  int     `json:"src"`
}
