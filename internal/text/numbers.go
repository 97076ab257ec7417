package text

import (
	"strconv"
	"strings"
)

const (
	baseTen      = 10
	baseTwenty   = 20
	baseHundred  = 100
	baseThousand = 1000
	// MaxNumberForWords is the largest integer spelled out; larger numbers are read as digits.
	MaxNumberForWords = 999999
)

var (
	onesWords = []string{
		"", "one", "two", "three", "four", "five",
		"six", "seven", "eight", "nine",
	}
	teenWords = []string{
		"ten", "eleven", "twelve", "thirteen", "fourteen",
		"fifteen", "sixteen", "seventeen", "eighteen", "nineteen",
	}
	tensWords = []string{
		"", "", "twenty", "thirty", "forty", "fifty",
		"sixty", "seventy", "eighty", "ninety",
	}
)

// IntegerToWords spells out an integer in English.
func IntegerToWords(number int) string {
	if number < 0 || number > MaxNumberForWords {
		return strconv.Itoa(number)
	}

	if number == 0 {
		return "zero"
	}

	var parts []string

	if thousands := number / baseThousand; thousands > 0 {
		parts = append(parts, underThousand(thousands)+" thousand")
	}

	if remainder := number % baseThousand; remainder > 0 {
		parts = append(parts, underThousand(remainder))
	}

	return strings.Join(parts, " ")
}

func underThousand(number int) string {
	if number < baseHundred {
		return underHundred(number)
	}

	words := onesWords[number/baseHundred] + " hundred"
	if remainder := number % baseHundred; remainder > 0 {
		words += " " + underHundred(remainder)
	}

	return words
}

func underHundred(number int) string {
	switch {
	case number < baseTen:
		return onesWords[number]
	case number < baseTwenty:
		return teenWords[number-baseTen]
	default:
		words := tensWords[number/baseTen]
		if number%baseTen > 0 {
			words += " " + onesWords[number%baseTen]
		}

		return words
	}
}
