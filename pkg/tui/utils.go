package tui

import (
	"multisend/pkg/utils"

	"github.com/atotto/clipboard"
)

// writeClipboard is swapped out in tests.
var writeClipboard = clipboard.WriteAll

func (m model) displayAmount(amount string, places int) string {
	if m.privacyMode {
		return "****"
	}
	if amount == "" {
		return "-"
	}
	return utils.FormatAmount(amount, places)
}

func (m model) displayFiat(v float64) string {
	if m.privacyMode {
		return "****"
	}
	return "$" + utils.FormatFloat(v, m.opts.FiatDecimals)
}

func (m model) maskAddress(addr string) string {
	if m.privacyMode {
		return "0x**...**"
	}
	return utils.ShortHex(addr)
}
