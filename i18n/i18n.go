// Package i18n translates strtrans's own prompts, summaries and status
// labels. Catalogs are gettext .po files embedded in the binary under
// locales/{lang}/LC_MESSAGES/strtrans.po; English is the source language and
// needs no catalog.
//
// Call Init once at startup, then T and N anywhere:
//
//	i18n.Init("") // pick from LANGUAGE, LC_ALL, LC_MESSAGES, LANG
//	fmt.Println(i18n.T("Translation summary"))
//	fmt.Printf(i18n.N("%d part failed", "%d parts failed", n), n)
package i18n

import (
	"embed"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/leonelquinteros/gotext"
)

//go:embed all:locales
var locales embed.FS

const (
	domain     = "strtrans"
	sourceLang = "en"
)

var (
	po      *gotext.Locale
	current = sourceLang
)

// Init loads the catalog for lang. An empty lang is taken from the
// environment. Languages without a catalog leave every message in English.
func Init(lang string) {
	if lang == "" {
		lang = detectLanguage()
	}
	current = lang

	po = gotext.NewLocaleFSWithPath(lang, locales, "locales")
	po.AddDomain(domain)
	po.SetDomain(domain)
}

// Language returns the language Init settled on.
func Language() string {
	return current
}

// T translates msgid, or returns it unchanged.
func T(msgid string) string {
	if po == nil {
		return msgid
	}
	return po.Get(msgid)
}

// N picks the plural form of a message for n.
func N(singular, plural string, n int) string {
	if po == nil {
		if n == 1 {
			return singular
		}
		return plural
	}
	return po.GetN(singular, plural, n)
}

// IsYes reports whether answer to a [y/N] prompt means yes. The English
// answers are always accepted, plus their translations in the UI language.
func IsYes(answer string) bool {
	a := strings.ToLower(strings.TrimSpace(answer))
	if a == "" {
		return false
	}
	for _, yes := range []string{"y", "yes", T("y"), T("yes")} {
		if a == strings.ToLower(yes) {
			return true
		}
	}
	return false
}

// detectLanguage follows gettext: LANGUAGE is a preference list and wins
// over the locale variables. The first listed language strtrans has a
// catalog for is used; if none has one, the first is kept as is.
func detectLanguage() string {
	candidates := localeList(os.Getenv("LANGUAGE"))
	if len(candidates) == 0 {
		for _, env := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
			if c := localeList(os.Getenv(env)); len(c) > 0 {
				candidates = c[:1]
				break
			}
		}
	}
	for _, c := range candidates {
		if hasCatalog(c) {
			return c
		}
	}
	if len(candidates) > 0 {
		return candidates[0]
	}
	return sourceLang
}

// localeList splits a colon-separated locale list and strips charset and
// modifier suffixes ("sr_RS.UTF-8@latin" -> "sr_RS"). C and POSIX are
// dropped.
func localeList(val string) []string {
	var out []string
	for _, v := range strings.Split(val, ":") {
		if i := strings.IndexAny(v, ".@"); i >= 0 {
			v = v[:i]
		}
		if v == "" || v == "C" || v == "POSIX" {
			continue
		}
		out = append(out, v)
	}
	return out
}

// hasCatalog reports whether messages can be shown in lang, either from an
// embedded catalog for lang or its base language, or because it is English.
func hasCatalog(lang string) bool {
	base, _, _ := strings.Cut(strings.ReplaceAll(lang, "-", "_"), "_")
	if base == sourceLang {
		return true
	}
	for _, l := range []string{lang, base} {
		if _, err := fs.Stat(locales, path.Join("locales", l, "LC_MESSAGES", domain+".po")); err == nil {
			return true
		}
	}
	return false
}
