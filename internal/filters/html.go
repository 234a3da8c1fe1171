package filters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

func init() {
	register(&kind{
		name:       "html2text",
		doc:        "Convert HTML to plain text",
		subfilters: map[string]string{"method": "Either 'text' (default, keeps block structure) or 'strip_tags'"},
		defaultSub: "method",
		apply:      html2text,
	})
	register(&kind{
		name: "css",
		doc:  "Filter XML/HTML using CSS selectors",
		subfilters: map[string]string{
			"selector": "The CSS selector to use for filtering (required)",
			"exclude":  "Elements matching this selector are removed from the result",
		},
		defaultSub: "selector",
		apply:      cssSelect,
	})
	register(&kind{
		name:       "element-by-id",
		doc:        "Get all HTML elements by id",
		subfilters: map[string]string{"id": "ID of the element to filter for (required)"},
		defaultSub: "id",
		apply:      byAttr("id", func(v string) string { return fmt.Sprintf("[id=%q]", v) }),
	})
	register(&kind{
		name:       "element-by-class",
		doc:        "Get all HTML elements by class",
		subfilters: map[string]string{"class": "HTML class attribute to filter for (required)"},
		defaultSub: "class",
		apply:      byAttr("class", func(v string) string { return fmt.Sprintf("[class~=%q]", v) }),
	})
	register(&kind{
		name:       "element-by-style",
		doc:        "Get all HTML elements by style",
		subfilters: map[string]string{"style": "HTML style attribute value to filter for (required)"},
		defaultSub: "style",
		apply:      byAttr("style", func(v string) string { return fmt.Sprintf("[style=%q]", v) }),
	})
	register(&kind{
		name:       "element-by-tag",
		doc:        "Get all HTML elements by tag",
		subfilters: map[string]string{"tag": "HTML tag name to filter for (required)"},
		defaultSub: "tag",
		apply:      byAttr("tag", func(v string) string { return v }),
	})
}

// Title returns the first <title> of an HTML document, truncated to max runes.
func Title(data []byte, max int) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if r := []rune(title); len(r) > max {
		title = string(r[:max])
	}
	return title
}

var blockTags = map[string]bool{
	"address": true, "article": true, "aside": true, "blockquote": true, "br": true,
	"dd": true, "div": true, "dl": true, "dt": true, "fieldset": true, "figcaption": true,
	"figure": true, "footer": true, "form": true, "h1": true, "h2": true, "h3": true,
	"h4": true, "h5": true, "h6": true, "header": true, "hr": true, "li": true,
	"main": true, "nav": true, "ol": true, "p": true, "pre": true, "section": true,
	"table": true, "tr": true, "ul": true,
}

var blankLinesRe = regexp.MustCompile(`\n{3,}`)

func html2text(_ context.Context, _ Env, data []byte, opts map[string]any) ([]byte, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript, template").Remove()

	method, _ := optString(opts, "method")
	switch method {
	case "", "text":
	case "strip_tags":
		return []byte(strings.TrimSpace(doc.Text())), nil
	default:
		return nil, fmt.Errorf("unknown method %q", method)
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			text := strings.Join(strings.Fields(n.Data), " ")
			if text != "" {
				if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") && strings.HasPrefix(n.Data, " ") {
					b.WriteByte(' ')
				}
				b.WriteString(text)
				if strings.HasSuffix(n.Data, " ") {
					b.WriteByte(' ')
				}
			}
		case html.ElementNode:
			if blockTags[n.Data] {
				b.WriteByte('\n')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockTags[n.Data] {
			b.WriteByte('\n')
		}
	}
	for _, n := range doc.Selection.Nodes {
		walk(n)
	}

	ls := strings.Split(b.String(), "\n")
	for i, l := range ls {
		ls[i] = strings.TrimSpace(l)
	}
	out := blankLinesRe.ReplaceAllString(strings.Join(ls, "\n"), "\n\n")
	return []byte(strings.TrimSpace(out)), nil
}

func cssSelect(_ context.Context, _ Env, data []byte, opts map[string]any) ([]byte, error) {
	selector, ok := optString(opts, "selector")
	if !ok || selector == "" {
		return nil, errors.New("needs a selector")
	}
	exclude, _ := optString(opts, "exclude")
	return selectOuterHTML(data, selector, exclude)
}

func byAttr(key string, toSelector func(string) string) applyFunc {
	return func(_ context.Context, _ Env, data []byte, opts map[string]any) ([]byte, error) {
		v, ok := optString(opts, key)
		if !ok || v == "" {
			return nil, fmt.Errorf("needs a %s", key)
		}
		return selectOuterHTML(data, toSelector(v), "")
	}
}

func selectOuterHTML(data []byte, selector, exclude string) ([]byte, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	sel := doc.Find(selector)
	if exclude != "" {
		sel.Find(exclude).Remove()
	}

	parts := make([]string, 0, sel.Length())
	var outerErr error
	sel.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		h, err := goquery.OuterHtml(s)
		if err != nil {
			outerErr = err
			return false
		}
		parts = append(parts, h)
		return true
	})
	if outerErr != nil {
		return nil, fmt.Errorf("render %q: %w", selector, outerErr)
	}
	return []byte(strings.Join(parts, "\n")), nil
}
