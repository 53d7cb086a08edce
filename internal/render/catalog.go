package render

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"text/template"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/shaharia-lab/outagewatch/internal/storage"
)

// catalogFile is the YAML layout of a template catalog.
type catalogFile struct {
	DefaultLocale string                       `yaml:"default_locale"`
	Vocabulary    map[string]map[string]string `yaml:"vocabulary"`
	Templates     []templateSpec               `yaml:"templates"`
}

type templateSpec struct {
	Kind     string   `yaml:"kind"`
	Channels []string `yaml:"channels"`
	Locale   string   `yaml:"locale"`
	Subject  string   `yaml:"subject"`
	Body     string   `yaml:"body"`
}

type slot struct {
	kind    storage.NotificationKind
	channel storage.ChannelType
}

type compiled struct {
	locale  string
	subject *template.Template
	body    *template.Template
}

// localeSet holds the templates for one (kind, channel) slot.
type localeSet struct {
	byLocale map[string]*compiled
	locales  []string
	matcher  language.Matcher
}

// Catalog is an immutable, compiled set of templates.
type Catalog struct {
	defaultLocale string
	vocabulary    map[string]map[string]string
	slots         map[slot]*localeSet
}

var funcs = template.FuncMap{
	"lower": strings.ToLower,
	"upper": strings.ToUpper,
	"title": func(s string) string {
		return cases.Title(language.Und).String(strings.ToLower(s))
	},
}

// ParseCatalog compiles a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing template catalog: %w", err)
	}
	return f.compile(nil)
}

// Merge returns a catalog with the entries of override layered over c.
// Entries in override replace entries of c for the same kind, channel and locale.
func (c *Catalog) Merge(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing template override: %w", err)
	}
	return f.compile(c)
}

func (f *catalogFile) compile(base *Catalog) (*Catalog, error) {
	c := &Catalog{
		defaultLocale: f.DefaultLocale,
		vocabulary:    map[string]map[string]string{},
		slots:         map[slot]*localeSet{},
	}
	if base != nil {
		if c.defaultLocale == "" {
			c.defaultLocale = base.defaultLocale
		}
		for loc, words := range base.vocabulary {
			c.vocabulary[loc] = maps.Clone(words)
		}
		for k, set := range base.slots {
			cp := &localeSet{byLocale: map[string]*compiled{}}
			maps.Copy(cp.byLocale, set.byLocale)
			c.slots[k] = cp
		}
	}
	if c.defaultLocale == "" {
		return nil, fmt.Errorf("template catalog: default_locale is required")
	}
	for loc, words := range f.Vocabulary {
		if c.vocabulary[loc] == nil {
			c.vocabulary[loc] = map[string]string{}
		}
		maps.Copy(c.vocabulary[loc], words)
	}

	for i, entry := range f.Templates {
		kind := storage.NotificationKind(entry.Kind)
		if !kind.Valid() {
			return nil, fmt.Errorf("template %d: unknown kind %q", i, entry.Kind)
		}
		if entry.Locale == "" {
			return nil, fmt.Errorf("template %d: locale is required", i)
		}
		if _, err := language.Parse(entry.Locale); err != nil {
			return nil, fmt.Errorf("template %d: invalid locale %q: %w", i, entry.Locale, err)
		}
		name := fmt.Sprintf("%s/%s", entry.Kind, entry.Locale)
		subject, err := template.New(name + "/subject").Option("missingkey=error").Funcs(funcs).Parse(entry.Subject)
		if err != nil {
			return nil, fmt.Errorf("template %s subject: %w", name, err)
		}
		body, err := template.New(name + "/body").Option("missingkey=error").Funcs(funcs).Parse(entry.Body)
		if err != nil {
			return nil, fmt.Errorf("template %s body: %w", name, err)
		}
		if len(entry.Channels) == 0 {
			return nil, fmt.Errorf("template %s: at least one channel is required", name)
		}
		for _, ch := range entry.Channels {
			channel := storage.ChannelType(ch)
			if !channel.Valid() {
				return nil, fmt.Errorf("template %s: unknown channel %q", name, ch)
			}
			k := slot{kind: kind, channel: channel}
			set := c.slots[k]
			if set == nil {
				set = &localeSet{byLocale: map[string]*compiled{}}
				c.slots[k] = set
			}
			set.byLocale[entry.Locale] = &compiled{locale: entry.Locale, subject: subject, body: body}
		}
	}

	for _, set := range c.slots {
		set.index(c.defaultLocale)
	}
	return c, nil
}

// index builds the locale matcher. The default locale goes first so an
// unmatched request falls back to it.
func (s *localeSet) index(defaultLocale string) {
	others := make([]string, 0, len(s.byLocale))
	for loc := range s.byLocale {
		if loc != defaultLocale {
			others = append(others, loc)
		}
	}
	slices.Sort(others)
	s.locales = s.locales[:0]
	if _, ok := s.byLocale[defaultLocale]; ok {
		s.locales = append(s.locales, defaultLocale)
	}
	s.locales = append(s.locales, others...)

	tags := make([]language.Tag, len(s.locales))
	for i, loc := range s.locales {
		tags[i] = language.Make(loc)
	}
	s.matcher = language.NewMatcher(tags)
}

// DefaultLocale returns the catalog fallback locale.
func (c *Catalog) DefaultLocale() string { return c.defaultLocale }

// lookup picks the template for the slot that best matches locale.
func (c *Catalog) lookup(kind storage.NotificationKind, ch storage.ChannelType, locale string) (*compiled, bool) {
	set, ok := c.slots[slot{kind: kind, channel: ch}]
	if !ok || len(set.locales) == 0 {
		return nil, false
	}
	if t, ok := set.byLocale[locale]; ok {
		return t, true
	}
	if tag, err := language.Parse(locale); err == nil && locale != "" {
		_, idx, conf := set.matcher.Match(tag)
		if conf != language.No {
			return set.byLocale[set.locales[idx]], true
		}
	}
	t, ok := set.byLocale[c.defaultLocale]
	return t, ok
}

// word translates a vocabulary key for a locale, falling back to the default
// locale and finally to the lower-cased key.
func (c *Catalog) word(locale, key string) string {
	if w, ok := c.vocabulary[locale][key]; ok {
		return w
	}
	if w, ok := c.vocabulary[c.defaultLocale][key]; ok {
		return w
	}
	return strings.ToLower(key)
}
