// Package i18n holds the message catalog for workspace settings pages.
package i18n

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

const (
	KeyTrackDistanceUnit       = "workspace.reimburse.trackDistanceUnit"
	KeyTrackDistanceChooseUnit = "workspace.reimburse.trackDistanceChooseUnit"
	KeyMiles                   = "common.miles"
	KeyKilometers              = "common.kilometers"
)

var supported = []language.Tag{language.AmericanEnglish, language.Spanish}

var messages = map[language.Tag]map[string]string{
	language.AmericanEnglish: {
		KeyTrackDistanceUnit:       "Track distance in",
		KeyTrackDistanceChooseUnit: "Choose a default unit to track.",
		KeyMiles:                   "Miles",
		KeyKilometers:              "Kilometers",
	},
	language.Spanish: {
		KeyTrackDistanceUnit:       "Medir distancia en",
		KeyTrackDistanceChooseUnit: "Elige una unidad predeterminada para medir.",
		KeyMiles:                   "Millas",
		KeyKilometers:              "Kilómetros",
	},
}

var (
	builder = mustBuild()
	matcher = language.NewMatcher(supported)
)

func mustBuild() *catalog.Builder {
	b := catalog.NewBuilder(catalog.Fallback(language.AmericanEnglish))
	for tag, msgs := range messages {
		for key, value := range msgs {
			if err := b.SetString(tag, key, value); err != nil {
				panic(err)
			}
		}
	}
	return b
}

// Default returns the base locale.
func Default() language.Tag {
	return language.AmericanEnglish
}

// Supported lists the locales with a catalog.
func Supported() []language.Tag {
	return append([]language.Tag(nil), supported...)
}

// Match picks the best supported locale for an Accept-Language header.
func Match(accept string) language.Tag {
	accept = strings.TrimSpace(accept)
	if accept == "" {
		return Default()
	}
	tags, _, err := language.ParseAcceptLanguage(accept)
	if err != nil || len(tags) == 0 {
		return Default()
	}
	_, idx, confidence := matcher.Match(tags...)
	if confidence == language.No {
		return Default()
	}
	return supported[idx]
}

// Translator renders catalog messages for one locale. Unknown keys are
// returned unchanged.
type Translator struct {
	tag     language.Tag
	printer *message.Printer
}

func NewTranslator(tag language.Tag) *Translator {
	return &Translator{tag: tag, printer: message.NewPrinter(tag, message.Catalog(builder))}
}

func (t *Translator) Tag() language.Tag {
	return t.tag
}

func (t *Translator) Translate(key string) string {
	return t.printer.Sprintf(key)
}
