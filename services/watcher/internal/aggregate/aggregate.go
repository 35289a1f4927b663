// Package aggregate folds per-parameter datastore rows into one reading per
// monitoring site and hour.
package aggregate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/geo"
	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/reading"
	"github.com/02loveslollipop/Kaze-air-quality-viewer/services/watcher/internal/models"
)

// Site is a fixed monitor location.
type Site struct {
	Lat float64
	Lon float64
}

// Sites maps datastore site names to monitor coordinates. Rows for other
// sites are dropped.
var Sites = map[string]Site{
	"Fulton St. Fridge":     {40.449895, -80.023159},
	"Harrison Township":     {40.613864, -79.729569},
	"South Fayette":         {40.375647, -80.169931},
	"Lawrenceville":         {40.465433, -79.960742},
	"Liberty":               {40.323856, -79.868064},
	"West Allegheny":        {40.444747, -80.267303},
	"Avalon":                {40.499789, -80.071347},
	"Lawrenceville 2":       {40.465433, -79.960742},
	"Monroeville":           {40.450117, -79.770961},
	"North Braddock":        {40.402267, -79.860942},
	"Clairton":              {40.294381, -79.885303},
	"Pittsburgh":            {40.456383, -80.026417},
	"Lincoln":               {40.308278, -79.869103},
	"Parkway East":          {40.437431, -79.863572},
	"Natrona Lead":          {40.618917, -79.719397},
	"Bridgeville":           {40.362992, -80.102131},
	"Liberty 2":             {40.323856, -79.868064},
	"Glassport High Street": {40.326019, -79.881747},
	"Flag Plaza":            {40.443417, -79.990353},
	"Court House":           {40.438369, -79.9968},
	"West Mifflin":          {40.3629, -79.86506},
	"Liberty Trailer":       {40.324736, -79.866448},
}

type field struct {
	name     string
	decimals int
	slot     func(*models.ExportRecord) *float64
}

var (
	pm10 = field{"pm10", 1, func(r *models.ExportRecord) *float64 { return &r.PM10 }}
	pm25 = field{"pm25", 1, func(r *models.ExportRecord) *float64 { return &r.PM25 }}
	nox  = field{"n", 2, func(r *models.ExportRecord) *float64 { return &r.N }}
	tmp  = field{"tmp", 1, func(r *models.ExportRecord) *float64 { return &r.Tmp }}
	rh   = field{"rh", 2, func(r *models.ExportRecord) *float64 { return &r.RH }}
)

// parameterCodes lists the upstream codes in the order they are requested.
var parameterCodes = []string{
	"NOX",
	"PM10", "PM10A", "PM10B", "PM10_640", "PM10RAW", "PM10_FL",
	"PM25", "PM25(2)", "PM25B", "PM25RAW", "PM25T", "PM25_FL", "PM25_640",
	"OUT_T", "OUT_RH", "RH%",
}

var paramMap = map[string]field{
	"PM10": pm10, "PM10A": pm10, "PM10B": pm10, "PM10_640": pm10, "PM10RAW": pm10, "PM10_FL": pm10,
	"PM25": pm25, "PM25(2)": pm25, "PM25B": pm25, "PM25RAW": pm25, "PM25T": pm25, "PM25_FL": pm25, "PM25_640": pm25,
	"NOX":    nox,
	"OUT_T":  tmp,
	"OUT_RH": rh,
	"RH%":    rh,
}

// ParameterCodes returns the upstream codes this package understands.
func ParameterCodes() []string {
	out := make([]string, len(parameterCodes))
	copy(out, parameterCodes)
	return out
}

// FieldFor returns the canonical reading field for an upstream code.
func FieldFor(code string) (string, bool) {
	f, ok := paramMap[code]
	return f.name, ok
}

// AggregationError marks a row whose value could not be placed. The field
// keeps its sentinel.
type AggregationError struct {
	Site      string
	Parameter string
	Reason    string
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("aggregate %s/%s: %s", e.Site, e.Parameter, e.Reason)
}

// Hour builds one record per known site from the rows of a civil hour, in
// the order sites first appear. The record time is the hour's wall clock
// read as UTC. Later rows for the same field overwrite earlier ones.
func Hour(rows []models.Record, hour time.Time) ([]models.ExportRecord, []error) {
	epoch := time.Date(hour.Year(), hour.Month(), hour.Day(), hour.Hour(), 0, 0, 0, time.UTC).Unix()

	var (
		order  []string
		bySite = make(map[string]*models.ExportRecord)
		errs   []error
	)
	for _, row := range rows {
		site, ok := Sites[row.Site]
		if !ok {
			continue
		}
		rec, ok := bySite[row.Site]
		if !ok {
			rec = template(site, epoch)
			bySite[row.Site] = rec
			order = append(order, row.Site)
		}

		f, ok := paramMap[row.Parameter]
		if !ok {
			errs = append(errs, &AggregationError{Site: row.Site, Parameter: row.Parameter, Reason: "unknown parameter code"})
			continue
		}
		v, present, err := parseValue(row.ReportValue)
		if err != nil {
			errs = append(errs, &AggregationError{Site: row.Site, Parameter: row.Parameter, Reason: err.Error()})
			continue
		}
		if !present {
			continue
		}
		*f.slot(rec) = round(v, f.decimals)
	}

	out := make([]models.ExportRecord, 0, len(order))
	for _, name := range order {
		out = append(out, *bySite[name])
	}
	return out, errs
}

func template(site Site, epoch int64) *models.ExportRecord {
	s := reading.Sentinel
	return &models.ExportRecord{
		ID:  geo.LocationID(site.Lat, site.Lon),
		T:   epoch,
		La:  round(site.Lat, 5),
		Lo:  round(site.Lon, 5),
		PM1: s, PM25: s, PM10: s,
		P0p3: s, P0p5: s, P1: s, P2p5: s, P5: s, P10: s,
		V: s, N: s, C: s, Tmp: s, RH: s,
		Src: 0,
	}
}

// parseValue accepts JSON numbers and numeric strings. null means no value.
func parseValue(raw json.RawMessage) (float64, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false, nil
	}
	var text string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, false, fmt.Errorf("unparseable value %s", raw)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return 0, false, nil
		}
	} else {
		text = string(raw)
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false, fmt.Errorf("unparseable value %s", raw)
	}
	return v, true, nil
}

func round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}
