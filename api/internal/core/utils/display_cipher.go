package utils

import (
	"strings"

	"github.com/irgordon/medsecure/api/internal/core/domain"
)

// These transforms are for display and audit only. They are not a security boundary.

const (
	DefaultCaesarShift = 3
	DefaultVigenereKey = "MEDSECURE"
	alphabetSize       = 26
)

// CaesarEncode shifts ASCII letters by shift (mod 26), preserving case.
func CaesarEncode(text string, shift int) string {
	shift = ((shift % alphabetSize) + alphabetSize) % alphabetSize
	return strings.Map(func(r rune) rune {
		return shiftLetter(r, shift)
	}, text)
}

// CaesarDecode reverses CaesarEncode with the same shift.
func CaesarDecode(text string, shift int) string {
	return CaesarEncode(text, alphabetSize-(shift%alphabetSize))
}

// VigenereEncode applies a running-key shift. The key pointer only advances on letters.
func VigenereEncode(text, key string) string {
	return vigenere(text, key, 1)
}

func VigenereDecode(text, key string) string {
	return vigenere(text, key, -1)
}

// ComputeDisplayCiphers derives both display transforms from the plaintext.
func ComputeDisplayCiphers(plaintext, vigenereKey string) domain.DisplayCiphers {
	return domain.DisplayCiphers{
		Caesar:   CaesarEncode(plaintext, DefaultCaesarShift),
		Vigenere: VigenereEncode(plaintext, vigenereKey),
	}
}

func vigenere(text, key string, direction int) string {
	k := lettersOnly(key)
	if k == "" {
		k = DefaultVigenereKey
	}

	var b strings.Builder
	b.Grow(len(text))
	ki := 0
	for _, r := range text {
		if !isASCIILetter(r) {
			b.WriteRune(r)
			continue
		}
		shift := letterIndex(rune(k[ki%len(k)])) * direction
		shift = ((shift % alphabetSize) + alphabetSize) % alphabetSize
		b.WriteRune(shiftLetter(r, shift))
		ki++
	}
	return b.String()
}

func shiftLetter(r rune, shift int) rune {
	switch {
	case r >= 'a' && r <= 'z':
		return 'a' + (r-'a'+rune(shift))%alphabetSize
	case r >= 'A' && r <= 'Z':
		return 'A' + (r-'A'+rune(shift))%alphabetSize
	}
	return r
}

func lettersOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if isASCIILetter(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isASCIILetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func letterIndex(r rune) int {
	if r >= 'a' && r <= 'z' {
		return int(r - 'a')
	}
	return int(r - 'A')
}
