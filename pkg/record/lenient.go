package record

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Scalar types for optional product fields. The source sends counts as 2.0,
// ratings as "4.5" and flags as 0/1; anything unreadable decodes to zero.

type number float64

func (n *number) UnmarshalJSON(b []byte) error {
	*n = number(parseNumber(b))
	return nil
}

type integer int64

func (i *integer) UnmarshalJSON(b []byte) error {
	*i = integer(math.Trunc(parseNumber(b)))
	return nil
}

type flag bool

func (f *flag) UnmarshalJSON(b []byte) error {
	switch s := strings.ToLower(scalar(b)); s {
	case "true", "yes":
		*f = true
	case "false", "no", "":
		*f = false
	default:
		*f = parseNumber(b) != 0
	}
	return nil
}

type text string

func (t *text) UnmarshalJSON(b []byte) error {
	*t = text(scalar(b))
	return nil
}

// scalar returns the text of a string, number or bool; "" for null, objects
// and arrays.
func scalar(b []byte) string {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return ""
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return ""
		}
		return s
	case '{', '[', 'n':
		return ""
	}
	return string(b)
}

func parseNumber(b []byte) float64 {
	s := strings.TrimSpace(scalar(b))
	switch s {
	case "true":
		return 1
	case "false", "":
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
