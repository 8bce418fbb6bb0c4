package validate

import "strings"

// recognizedLanguages covers the ISO 639-2 codes the subtitle filter keeps.
// Anything outside this set marks the track for cleanup.
var recognizedLanguages = map[string]struct{}{
	"eng": {}, "en": {},
	"spa": {}, "es": {},
	"fre": {}, "fra": {}, "fr": {},
	"ger": {}, "deu": {}, "de": {},
	"ita": {}, "it": {},
	"por": {}, "pt": {},
	"dut": {}, "nld": {}, "nl": {},
	"rus": {}, "ru": {},
	"jpn": {}, "ja": {},
	"kor": {}, "ko": {},
	"chi": {}, "zho": {}, "zh": {},
	"ara": {}, "ar": {},
	"hin": {}, "hi": {},
	"pol": {}, "pl": {},
	"tur": {}, "tr": {},
	"swe": {}, "sv": {},
	"nor": {}, "no": {},
	"dan": {}, "da": {},
	"fin": {}, "fi": {},
}

func languageRecognized(lang string) bool {
	_, ok := recognizedLanguages[strings.ToLower(strings.TrimSpace(lang))]
	return ok
}

func isEnglish(lang string) bool {
	l := strings.ToLower(strings.TrimSpace(lang))
	return l == "eng" || l == "en"
}
