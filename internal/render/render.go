// Package render builds the textcard shown to a recipient.
//
// The locale is an argument of every call. Nothing here touches
// process-wide language state, so recipients in different languages can be
// rendered concurrently.
package render

import (
	"regexp"
	"strings"

	"golang.org/x/text/feature/plural"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"

	"wxnotice/internal/aggregate"
)

// OutboundMessage is the textcard sent to one recipient.
type OutboundMessage struct {
	Title     string
	Body      string
	ActionURL string
}

const titleKey = "You've got %d new notices on %s:"

var linkRe = regexp.MustCompile(`<a.*?>(.+?)</a>`)

type Renderer struct {
	cat      catalog.Catalog
	tags     []language.Tag
	matcher  language.Matcher
	fallback language.Tag
}

// New returns a renderer whose fallback language is defaultLocale, or
// English when defaultLocale is not translated.
func New(defaultLocale string) *Renderer {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	_ = b.Set(language.English, titleKey, plural.Selectf(1, "%d",
		"=1", "You've got 1 new notice on %[2]s:",
		"other", "You've got %[1]d new notices on %[2]s:",
	))
	_ = b.Set(language.SimplifiedChinese, titleKey, plural.Selectf(1, "%d",
		"=1", "您在 %[2]s 上有 1 条新消息：",
		"other", "您在 %[2]s 上有 %[1]d 条新消息：",
	))

	r := &Renderer{cat: b, tags: b.Languages()}
	r.matcher = language.NewMatcher(r.tags)
	r.fallback = language.English
	if tag, ok := r.match(defaultLocale); ok {
		r.fallback = tag
	}
	return r
}

func (r *Renderer) match(locale string) (language.Tag, bool) {
	locale = strings.TrimSpace(locale)
	if locale == "" {
		return language.Und, false
	}
	// Django style codes use lower case and "-" ("zh-cn"); BCP 47 parsing
	// accepts both, "_" is normalized for POSIX style values.
	tag, err := language.Parse(strings.ReplaceAll(locale, "_", "-"))
	if err != nil {
		return language.Und, false
	}
	_, idx, conf := r.matcher.Match(tag)
	if conf == language.No {
		return language.Und, false
	}
	return r.tags[idx], true
}

// Language returns the catalog language used for locale.
func (r *Renderer) Language(locale string) language.Tag {
	if tag, ok := r.match(locale); ok {
		return tag
	}
	return r.fallback
}

// Title returns the singular form for count == 1 and the plural form
// otherwise.
func (r *Renderer) Title(locale string, count int, siteName string) string {
	p := message.NewPrinter(r.Language(locale), message.Catalog(r.cat))
	return p.Sprintf(titleKey, count, siteName)
}

// Render builds the message for one recipient's batch, in batch order.
func (r *Renderer) Render(locale string, notes []aggregate.Notification, siteName, actionURL string) OutboundMessage {
	return OutboundMessage{
		Title:     r.Title(locale, len(notes), siteName),
		Body:      Body(notes),
		ActionURL: actionURL,
	}
}

// Body concatenates every notification, links reduced to their label and
// each one wrapped in a highlight div.
func Body(notes []aggregate.Notification) string {
	var sb strings.Builder
	for _, n := range notes {
		sb.WriteString(`<div class="highlight">`)
		sb.WriteString(StripLinks(n.Message))
		sb.WriteString(`</div>`)
	}
	return sb.String()
}

// StripLinks replaces every <a ...>label</a> with label.
func StripLinks(s string) string {
	return linkRe.ReplaceAllString(s, "$1")
}
