package webscan

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

// passwordFields counts <input type="password"> elements.
func passwordFields(r io.Reader) int {
	count := 0
	z := html.NewTokenizer(r)

	for {
		switch z.Next() {
		case html.ErrorToken:
			return count
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "input" || !hasAttr {
				continue
			}
			for {
				key, val, more := z.TagAttr()
				if string(key) == "type" && strings.EqualFold(strings.TrimSpace(string(val)), "password") {
					count++
				}
				if !more {
					break
				}
			}
		}
	}
}
