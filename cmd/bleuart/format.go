package main

import (
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// printable renders data as text, replacing control and invalid bytes with
// '.'. A trailing line ending is dropped.
func printable(data []byte) string {
	s := strings.TrimRight(string(data), "\r\n")
	var b strings.Builder
	b.Grow(len(s))
	for len(s) > 0 {
		r, size := utf8.DecodeRuneInString(s)
		if r == utf8.RuneError || !unicode.IsPrint(r) {
			b.WriteByte('.')
		} else {
			b.WriteRune(r)
		}
		s = s[size:]
	}
	return b.String()
}

// formatPayload shows data both as text and as hex.
func formatPayload(data []byte) string {
	if len(data) == 0 {
		return "(empty)"
	}
	return fmt.Sprintf("%s  [% x]", printable(data), data)
}

// parseHex accepts hex with optional separators, e.g. "01 02", "01:02",
// "0x0102".
func parseHex(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "", "-", "", ",", "").Replace(strings.TrimSpace(s))
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return nil, fmt.Errorf("empty hex payload")
	}
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex payload: %w", err)
	}
	return data, nil
}

// lineEndings maps --eol values to the bytes appended to text messages.
var lineEndings = map[string]string{
	"none": "",
	"lf":   "\n",
	"cr":   "\r",
	"crlf": "\r\n",
}

func parseEOL(name string) (string, error) {
	eol, ok := lineEndings[strings.ToLower(name)]
	if !ok {
		return "", fmt.Errorf("invalid line ending %q: must be none, lf, cr or crlf", name)
	}
	return eol, nil
}

// encodeMessage turns user input into the bytes to send.
func encodeMessage(input string, asHex bool, eol string) ([]byte, error) {
	if asHex {
		return parseHex(input)
	}
	return []byte(input + eol), nil
}
