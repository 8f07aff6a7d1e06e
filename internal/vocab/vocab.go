// Package vocab supplies per-language phrase dictionaries used to recognize
// error, rate-limit, and dismissal text in the target UI.
package vocab

import (
	"strings"
	"sync"
)

// Categories of terms consumed by the stall diagnosis.
const (
	CategoryError      = "error"
	CategoryLimit      = "limit"
	CategoryLogin      = "login"
	CategoryCaptcha    = "captcha"
	CategoryDismiss    = "dismiss"
	CategoryContinue   = "continue"
	CategoryGenerating = "generating"
)

// BaselineLang is always unioned into lookups as a safety net for pages whose
// language detection is wrong or mixed.
const BaselineLang = "en"

// Service is the term dictionary collaborator. Implementations may learn new
// terms at runtime.
type Service interface {
	// Terms returns the phrases for a category in the given language, always
	// unioned with the baseline language's phrases.
	Terms(category, lang string) []string
	// Learn records a new phrase for a category/language pair.
	Learn(category, lang, term string)
}

// Dictionary is an in-memory Service seeded with a small built-in vocabulary.
type Dictionary struct {
	mu    sync.RWMutex
	terms map[string]map[string][]string // category -> lang -> phrases
}

// NewDictionary returns a Dictionary seeded with the built-in baseline terms.
func NewDictionary() *Dictionary {
	d := &Dictionary{terms: map[string]map[string][]string{}}
	for category, byLang := range builtin {
		d.terms[category] = map[string][]string{}
		for lang, phrases := range byLang {
			d.terms[category][lang] = append([]string(nil), phrases...)
		}
	}
	return d
}

// Terms implements Service.
func (d *Dictionary) Terms(category, lang string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	byLang, ok := d.terms[category]
	if !ok {
		return nil
	}

	seen := map[string]bool{}
	out := make([]string, 0, 8)
	add := func(phrases []string) {
		for _, p := range phrases {
			key := strings.ToLower(p)
			if !seen[key] {
				seen[key] = true
				out = append(out, p)
			}
		}
	}
	if lang != "" && lang != BaselineLang {
		add(byLang[lang])
	}
	add(byLang[BaselineLang])
	return out
}

// Learn implements Service.
func (d *Dictionary) Learn(category, lang, term string) {
	term = strings.TrimSpace(term)
	if term == "" {
		return
	}
	if lang == "" {
		lang = BaselineLang
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.terms[category] == nil {
		d.terms[category] = map[string][]string{}
	}
	for _, existing := range d.terms[category][lang] {
		if strings.EqualFold(existing, term) {
			return
		}
	}
	d.terms[category][lang] = append(d.terms[category][lang], term)
}

var builtin = map[string]map[string][]string{
	CategoryError: {
		"en": {"something went wrong", "an error occurred", "try again", "network error"},
		"de": {"etwas ist schiefgelaufen", "ein fehler ist aufgetreten"},
		"es": {"algo salió mal", "se produjo un error"},
	},
	CategoryLimit: {
		"en": {"rate limit", "too many requests", "usage limit", "you've reached your limit", "message limit"},
		"de": {"nutzungslimit erreicht"},
		"es": {"límite de uso"},
	},
	CategoryLogin: {
		"en": {"log in", "sign in", "session expired", "please verify your identity"},
		"de": {"anmelden", "sitzung abgelaufen"},
		"es": {"iniciar sesión"},
	},
	CategoryCaptcha: {
		"en": {"verify you are human", "unusual activity", "checking your browser", "captcha"},
	},
	CategoryDismiss: {
		"en": {"ok", "dismiss", "got it", "close"},
		"de": {"verstanden", "schließen"},
		"es": {"entendido", "cerrar"},
	},
	CategoryContinue: {
		"en": {"continue", "continue generating", "keep going"},
	},
	CategoryGenerating: {
		"en": {"stop generating", "stop"},
	},
}
