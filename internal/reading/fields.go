package reading

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/geo"
)

// Fields is a typed patch over a Reading. A nil pointer means the payload did
// not carry that key; only non-nil fields are written on merge.
type Fields struct {
	ID   *int64
	T    *int64
	La   *float64
	Lo   *float64
	Lad  *string
	Lod  *string
	Bs   *float64
	PM1  *float64
	PM25 *float64
	PM10 *float64
	P0p3 *float64
	P0p5 *float64
	P1   *float64
	P2p5 *float64
	P5   *float64
	P10  *float64
	V    *float64
	N    *float64
	C    *float64
	Tmp  *float64
	RH   *float64
	Src  *int
}

// IdentitySource names how a payload identity was chosen.
type IdentitySource string

const (
	IdentityExplicit  IdentitySource = "id"
	IdentityLocation  IdentitySource = "location"
	IdentityTimestamp IdentitySource = "timestamp"
)

// HasLocation reports whether both coordinates were supplied and neither is Sentinel.
func (f Fields) HasLocation() bool {
	return f.La != nil && f.Lo != nil && *f.La != Sentinel && *f.Lo != Sentinel
}

// Identity picks the row key for a payload: the explicit id, else the
// location-derived id, else the observation timestamp.
func (f Fields) Identity() (int64, IdentitySource) {
	switch {
	case f.ID != nil:
		return *f.ID, IdentityExplicit
	case f.HasLocation():
		return geo.LocationID(*f.La, *f.Lo), IdentityLocation
	case f.T != nil:
		return *f.T, IdentityTimestamp
	default:
		return 0, ""
	}
}

// Apply copies every supplied field onto r.
func (f Fields) Apply(r *Reading) {
	setInt64(&r.T, f.T)
	setFloat(&r.La, f.La)
	setFloat(&r.Lo, f.Lo)
	if f.Lad != nil {
		v := *f.Lad
		r.Lad = &v
	}
	if f.Lod != nil {
		v := *f.Lod
		r.Lod = &v
	}
	setFloat(&r.Bs, f.Bs)
	setFloat(&r.PM1, f.PM1)
	setFloat(&r.PM25, f.PM25)
	setFloat(&r.PM10, f.PM10)
	setFloat(&r.P0p3, f.P0p3)
	setFloat(&r.P0p5, f.P0p5)
	setFloat(&r.P1, f.P1)
	setFloat(&r.P2p5, f.P2p5)
	setFloat(&r.P5, f.P5)
	setFloat(&r.P10, f.P10)
	setFloat(&r.V, f.V)
	setFloat(&r.N, f.N)
	setFloat(&r.C, f.C)
	setFloat(&r.Tmp, f.Tmp)
	setFloat(&r.RH, f.RH)
	if f.Src != nil {
		r.Src = *f.Src
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setInt64(dst *int64, v *int64) {
	if v != nil {
		*dst = *v
	}
}

type fieldDecoder func(f *Fields, raw json.RawMessage) error

// allowed is the full set of payload keys a Reading can be built from.
var allowed = map[string]fieldDecoder{
	"id":   intField(func(f *Fields) **int64 { return &f.ID }),
	"t":    intField(func(f *Fields) **int64 { return &f.T }),
	"la":   floatField(func(f *Fields) **float64 { return &f.La }),
	"lo":   floatField(func(f *Fields) **float64 { return &f.Lo }),
	"lad":  stringField(func(f *Fields) **string { return &f.Lad }),
	"lod":  stringField(func(f *Fields) **string { return &f.Lod }),
	"bs":   floatField(func(f *Fields) **float64 { return &f.Bs }),
	"pm1":  floatField(func(f *Fields) **float64 { return &f.PM1 }),
	"pm25": floatField(func(f *Fields) **float64 { return &f.PM25 }),
	"pm10": floatField(func(f *Fields) **float64 { return &f.PM10 }),
	"p0p3": floatField(func(f *Fields) **float64 { return &f.P0p3 }),
	"p0p5": floatField(func(f *Fields) **float64 { return &f.P0p5 }),
	"p1":   floatField(func(f *Fields) **float64 { return &f.P1 }),
	"p2p5": floatField(func(f *Fields) **float64 { return &f.P2p5 }),
	"p5":   floatField(func(f *Fields) **float64 { return &f.P5 }),
	"p10":  floatField(func(f *Fields) **float64 { return &f.P10 }),
	"v":    floatField(func(f *Fields) **float64 { return &f.V }),
	"n":    floatField(func(f *Fields) **float64 { return &f.N }),
	"c":    floatField(func(f *Fields) **float64 { return &f.C }),
	"tmp":  floatField(func(f *Fields) **float64 { return &f.Tmp }),
	"rh":   floatField(func(f *Fields) **float64 { return &f.RH }),
	"src": func(f *Fields, raw json.RawMessage) error {
		n, err := integer(raw)
		if err != nil || n == nil {
			return err
		}
		v := int(*n)
		f.Src = &v
		return nil
	},
}

// AllowedKeys lists the payload keys Decode accepts, sorted.
func AllowedKeys() []string {
	keys := make([]string, 0, len(allowed))
	for k := range allowed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Decode parses one normalized payload object. Keys outside the allow-list
// are ignored and returned as unknown. A missing "t", a non-numeric
// measurement or an out-of-range coordinate yields a *ValidationError.
func Decode(raw []byte) (Fields, []string, error) {
	var obj map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return Fields{}, nil, invalid("", "malformed JSON object", err)
	}
	if obj == nil {
		return Fields{}, nil, invalid("", "payload must be a JSON object", nil)
	}

	var (
		f       Fields
		unknown []string
	)
	for key, value := range obj {
		decode, ok := allowed[key]
		if !ok {
			unknown = append(unknown, key)
			continue
		}
		if err := decode(&f, value); err != nil {
			return Fields{}, nil, invalid(key, "", err)
		}
	}
	sort.Strings(unknown)

	if err := Validate(f); err != nil {
		return Fields{}, nil, err
	}
	return f, unknown, nil
}

type rules struct {
	T   int64    `json:"t" validate:"gt=0"`
	La  *float64 `json:"la" validate:"omitempty,latitude"`
	Lo  *float64 `json:"lo" validate:"omitempty,longitude"`
	Lad *string  `json:"lad" validate:"omitempty,oneof=N S"`
	Lod *string  `json:"lod" validate:"omitempty,oneof=E W"`
	Src *int     `json:"src" validate:"omitempty,gte=-1"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the payload rules that hold regardless of ingress path.
func Validate(f Fields) error {
	if f.T == nil {
		return invalid("t", "required", nil)
	}
	r := rules{T: *f.T, La: f.La, Lo: f.Lo, Lad: f.Lad, Lod: f.Lod, Src: f.Src}
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return invalid(verrs[0].Field(), "failed "+verrs[0].Tag()+" rule", nil)
		}
		return invalid("", "", err)
	}
	return nil
}

func floatField(slot func(*Fields) **float64) fieldDecoder {
	return func(f *Fields, raw json.RawMessage) error {
		if isNull(raw) {
			return nil
		}
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return errors.New("not a number")
		}
		v, err := n.Float64()
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("not a number")
		}
		*slot(f) = &v
		return nil
	}
}

func intField(slot func(*Fields) **int64) fieldDecoder {
	return func(f *Fields, raw json.RawMessage) error {
		v, err := integer(raw)
		if err != nil || v == nil {
			return err
		}
		*slot(f) = v
		return nil
	}
}

func stringField(slot func(*Fields) **string) fieldDecoder {
	return func(f *Fields, raw json.RawMessage) error {
		if isNull(raw) {
			return nil
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return errors.New("not a string")
		}
		*slot(f) = &s
		return nil
	}
}

// integer accepts integral JSON numbers, including exponent forms like 1.7e9.
func integer(raw json.RawMessage) (*int64, error) {
	if isNull(raw) {
		return nil, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, errors.New("not an integer")
	}
	if v, err := n.Int64(); err == nil {
		return &v, nil
	}
	fv, err := n.Float64()
	if err != nil || fv != math.Trunc(fv) || fv >= math.MaxInt64 || fv < math.MinInt64 {
		return nil, errors.New("not an integer")
	}
	v := int64(fv)
	return &v, nil
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null"
}
