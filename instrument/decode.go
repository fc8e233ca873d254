package instrument

import (
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Unknown is the label produced for any mode or status that could not be decoded
const Unknown = "UNKNOWN"

// DecodeNumeric strips prefix and unit from raw and parses what remains as a
// float.  A missing unit is tolerated; a missing prefix is not.  Malformed
// input is logged and reported with ok == false, never with a panic.
func DecodeNumeric(raw, prefix, unit string) (v float64, ok bool) {
	s := strings.TrimSpace(raw)
	if prefix != "" {
		if !strings.HasPrefix(s, prefix) {
			logrus.WithFields(logrus.Fields{"raw": raw, "prefix": prefix}).Warn("numeric response missing prefix")
			return 0, false
		}
		s = s[len(prefix):]
	}
	if unit != "" {
		s = strings.TrimSuffix(s, unit)
	}
	s = strings.TrimSpace(s)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		logrus.WithFields(logrus.Fields{"raw": raw, "prefix": prefix, "unit": unit}).Warn("could not parse numeric response")
		return 0, false
	}
	return f, true
}

// EncodeNumeric is the inverse of DecodeNumeric
func EncodeNumeric(prefix string, v float64, unit string) string {
	return prefix + strconv.FormatFloat(v, 'f', -1, 64) + unit
}

// Field locates an integer inside a status string: raw[Start:End] parsed in
// Base (16 if zero).  MinLen rejects strings shorter than the full message
// the field was cut from.
type Field struct {
	Start, End int
	Base       int
	MinLen     int
}

// BitLabel names a bit pattern.  A zero Mask matches only a zero value.
type BitLabel struct {
	Mask  uint64
	Label string
}

// BitTable is an ordered list of labels; the first match wins
type BitTable []BitLabel

// DecodeEnum cuts the field out of raw and returns the first label in t whose
// mask it matches, or Unknown when the string is short, the field does not
// parse, or nothing matches.
func DecodeEnum(raw string, f Field, t BitTable) string {
	need := f.End
	if f.MinLen > need {
		need = f.MinLen
	}
	if f.Start < 0 || f.Start >= f.End || len(raw) < need {
		logrus.WithFields(logrus.Fields{"raw": raw, "start": f.Start, "end": f.End}).Warn("status response too short")
		return Unknown
	}
	base := f.Base
	if base == 0 {
		base = 16
	}
	v, err := strconv.ParseUint(raw[f.Start:f.End], base, 64)
	if err != nil {
		logrus.WithFields(logrus.Fields{"raw": raw, "field": raw[f.Start:f.End]}).Warn("could not parse status field")
		return Unknown
	}
	for _, bl := range t {
		if bl.Mask == 0 {
			if v == 0 {
				return bl.Label
			}
			continue
		}
		if v&bl.Mask == bl.Mask {
			return bl.Label
		}
	}
	return Unknown
}

// DecodeIndex maps the decimal digit at raw[pos] through table
func DecodeIndex(raw string, pos int, table map[int]string) string {
	if pos < 0 || pos >= len(raw) {
		logrus.WithFields(logrus.Fields{"raw": raw, "pos": pos}).Warn("status response too short")
		return Unknown
	}
	c := raw[pos]
	if c < '0' || c > '9' {
		logrus.WithFields(logrus.Fields{"raw": raw, "pos": pos}).Warn("status digit is not a digit")
		return Unknown
	}
	if label, ok := table[int(c-'0')]; ok {
		return label
	}
	return Unknown
}
