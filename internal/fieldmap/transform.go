package fieldmap

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"pricesync/internal/models"
)

// Transform converts a single value between Source and Remote representations.
// Implementations must be pure.
type Transform interface {
	ToRemote(v models.FieldValue) (any, error)
	FromRemote(raw any) (models.FieldValue, error)
}

// Decimal is a numeric field rounded to a fixed number of decimal places.
type Decimal struct {
	Places int
}

var errOutOfRange = errors.New("number out of range")

// round checks the result as well as the input: a finite value can still
// overflow once scaled to the configured places.
func (d Decimal) round(v float64) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errOutOfRange
	}
	p := math.Pow(10, float64(d.Places))
	r := math.Round(v*p) / p
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0, errOutOfRange
	}
	return r, nil
}

func (d Decimal) ToRemote(v models.FieldValue) (any, error) {
	if v.Kind != models.KindNumber {
		return nil, fmt.Errorf("expected number, got %s", v.Kind)
	}
	r, err := d.round(v.Number)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (d Decimal) FromRemote(raw any) (models.FieldValue, error) {
	n, err := models.ParseNumber(raw)
	if err != nil {
		return models.FieldValue{}, err
	}
	r, err := d.round(n)
	if err != nil {
		return models.FieldValue{}, err
	}
	return models.Number(r), nil
}

// EnumLabel maps Source enum codes to Remote display labels.
type EnumLabel struct {
	Labels map[string]string
}

func (e EnumLabel) ToRemote(v models.FieldValue) (any, error) {
	if v.Kind != models.KindText {
		return nil, fmt.Errorf("expected text, got %s", v.Kind)
	}
	label, ok := e.Labels[v.Text]
	if !ok {
		return nil, fmt.Errorf("unknown code %q", v.Text)
	}
	return label, nil
}

// FromRemote accepts either a label (case-insensitive) or a code.
func (e EnumLabel) FromRemote(raw any) (models.FieldValue, error) {
	s, ok := raw.(string)
	if !ok {
		return models.FieldValue{}, fmt.Errorf("expected string, got %T", raw)
	}
	s = strings.TrimSpace(s)
	if _, isCode := e.Labels[s]; isCode {
		return models.Text(s), nil
	}
	codes := make([]string, 0, len(e.Labels))
	for code := range e.Labels {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		if strings.EqualFold(e.Labels[code], s) {
			return models.Text(code), nil
		}
	}
	return models.FieldValue{}, fmt.Errorf("unknown label %q", s)
}
