// Package validation содержит функции валидации входных данных.
package validation

import "strings"

const (
	countryPrefix = "254"
	msisdnLength  = 12
)

// NormalizeMSISDN приводит номер мобильного телефона к формату 254XXXXXXXXX,
// который требует платёжный шлюз. Принимаются варианты 07XXXXXXXX, 01XXXXXXXX,
// +254XXXXXXXXX и 254XXXXXXXXX. Возвращает false для некорректного номера.
func NormalizeMSISDN(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "+")
	s = strings.ReplaceAll(s, " ", "")

	if s == "" {
		return "", false
	}

	for _, ch := range s {
		if ch < '0' || ch > '9' {
			return "", false
		}
	}

	if strings.HasPrefix(s, "0") && len(s) == 10 {
		s = countryPrefix + s[1:]
	}

	if !strings.HasPrefix(s, countryPrefix) || len(s) != msisdnLength {
		return "", false
	}

	// После кода страны допустимы только мобильные диапазоны 7xx и 1xx.
	if s[3] != '7' && s[3] != '1' {
		return "", false
	}

	return s, true
}
