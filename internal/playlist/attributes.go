package playlist

import (
	"strconv"
	"strings"
)

// Attribute is one KEY=VALUE pair of an attribute list. Value never includes
// the surrounding quotes; Quoted records whether they were there.
type Attribute struct {
	Key    string
	Value  string
	Quoted bool
}

// Attributes is an attribute list in source order.
type Attributes []Attribute

// ParseAttributes splits an attribute list such as
// `BANDWIDTH=800000,CODECS="avc1.4d401f,mp4a.40.2"`. Commas inside quoted
// values do not split. Items without '=' are kept with an empty value.
func ParseAttributes(s string) Attributes {
	var out Attributes
	i := 0
	for i < len(s) {
		for i < len(s) && (s[i] == ',' || s[i] == ' ' || s[i] == '\t') {
			i++
		}
		if i >= len(s) {
			break
		}
		start := i
		for i < len(s) && s[i] != '=' && s[i] != ',' {
			i++
		}
		key := strings.TrimSpace(s[start:i])
		if i >= len(s) || s[i] == ',' {
			out = append(out, Attribute{Key: key})
			continue
		}
		i++ // '='
		for i < len(s) && s[i] == ' ' {
			i++
		}
		if i < len(s) && s[i] == '"' {
			i++
			vstart := i
			for i < len(s) && s[i] != '"' {
				i++
			}
			out = append(out, Attribute{Key: key, Value: s[vstart:i], Quoted: true})
			if i < len(s) {
				i++ // closing quote
			}
			for i < len(s) && s[i] != ',' {
				i++
			}
			continue
		}
		vstart := i
		for i < len(s) && s[i] != ',' {
			i++
		}
		out = append(out, Attribute{Key: key, Value: strings.TrimSpace(s[vstart:i])})
	}
	return out
}

// Get returns the value for key. Keys compare case-sensitively as HLS
// attribute names are upper case by definition.
func (a Attributes) Get(key string) (string, bool) {
	for _, attr := range a {
		if attr.Key == key {
			return attr.Value, true
		}
	}
	return "", false
}

// Float returns the value for key as a number.
func (a Attributes) Float(key string) (float64, bool) {
	v, ok := a.Get(key)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Set replaces the value of key in place, or appends it.
func (a *Attributes) Set(key, value string, quoted bool) {
	for i := range *a {
		if (*a)[i].Key == key {
			(*a)[i].Value = value
			(*a)[i].Quoted = quoted
			return
		}
	}
	*a = append(*a, Attribute{Key: key, Value: value, Quoted: quoted})
}

// String renders the list in canonical form.
func (a Attributes) String() string {
	var b strings.Builder
	for i, attr := range a {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(attr.Key)
		if attr.Value == "" && !attr.Quoted {
			continue
		}
		b.WriteByte('=')
		if attr.Quoted {
			b.WriteByte('"')
			b.WriteString(attr.Value)
			b.WriteByte('"')
		} else {
			b.WriteString(attr.Value)
		}
	}
	return b.String()
}
