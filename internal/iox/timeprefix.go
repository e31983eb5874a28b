package iox

import (
	"strings"
	"time"
)

// DefaultTimePrefixFormat is the strftime-style format applied to log lines
// when the caller does not supply one.
const DefaultTimePrefixFormat = "%Y-%m-%d %H:%M:%S.%f"

const defaultTimeLayout = "2006-01-02 15:04:05.000000"

// strftime directives with a direct Go layout equivalent. %f is handled
// separately because Go only accepts fractional seconds after a dot.
var strftimeVerbs = map[byte]string{
	'Y': "2006",
	'y': "06",
	'm': "01",
	'd': "02",
	'H': "15",
	'I': "03",
	'M': "04",
	'S': "05",
	'p': "PM",
	'j': "002",
	'z': "-0700",
	'Z': "MST",
	'%': "%",
}

// StrftimeLayout translates a strftime-style format into a Go time layout.
// Any directive without a translation falls back to the default layout.
func StrftimeLayout(format string) string {
	if format == "" {
		return defaultTimeLayout
	}
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			// ".%f" is the one spot where the dot belongs to the directive.
			if c == '.' && i+2 < len(format) && format[i+1] == '%' && format[i+2] == 'f' {
				b.WriteString(".000000")
				i += 2
				continue
			}
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(format) {
			return defaultTimeLayout
		}
		i++
		verb, ok := strftimeVerbs[format[i]]
		if !ok {
			return defaultTimeLayout
		}
		b.WriteString(verb)
	}
	return b.String()
}

// FormatTimestamp renders t using a strftime-style format, falling back to
// the default layout when the format is invalid.
func FormatTimestamp(t time.Time, format string) string {
	return t.Format(StrftimeLayout(format))
}
