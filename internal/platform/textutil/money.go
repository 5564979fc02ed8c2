package textutil

import (
	"fmt"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var amountPrinter = message.NewPrinter(language.English)

// FormatINR renders an amount in paise as rupees, e.g. 1433100 -> "₹14,331.00".
func FormatINR(paise int64) string {
	sign := ""
	if paise < 0 {
		sign = "-"
		paise = -paise
	}
	return fmt.Sprintf("%s₹%s.%02d", sign, amountPrinter.Sprintf("%d", paise/100), paise%100)
}
